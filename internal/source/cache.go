package source

import (
	"context"
	"reflect"
	"sync"

	"github.com/tabflow/tabflow/internal/table"
)

// Cached wraps a Source with a one-entry read cache: the last read is
// retained and returned for a repeat of the same options. There is no
// invalidation beyond ClearCache; a Write clears it.
type Cached struct {
	Source

	mu       sync.Mutex
	haveLast bool
	lastOpts ReadOptions
	last     *table.Table
}

// WithCache wraps s when the descriptor enables caching.
func WithCache(s Source) *Cached {
	return &Cached{Source: s}
}

func (c *Cached) Read(ctx context.Context, opts ReadOptions) (*table.Table, error) {
	c.mu.Lock()
	if c.haveLast && reflect.DeepEqual(opts, c.lastOpts) {
		t := c.last
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	t, err := c.Source.Read(ctx, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.haveLast = true
	c.lastOpts = opts
	c.last = t
	c.mu.Unlock()
	return t, nil
}

func (c *Cached) Write(ctx context.Context, tbl *table.Table, opts WriteOptions) error {
	c.ClearCache()
	return c.Source.Write(ctx, tbl, opts)
}

// ClearCache drops the retained read.
func (c *Cached) ClearCache() {
	c.mu.Lock()
	c.haveLast = false
	c.last = nil
	c.mu.Unlock()
}
