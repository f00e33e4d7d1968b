// Package pool aggregates the Sources a pipeline step opens, keyed by
// name, so release is deterministic: however a step exits, CloseAll
// runs once and closes everything concurrently.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tabflow/tabflow/internal/logging"
	"github.com/tabflow/tabflow/internal/source"
	"github.com/tabflow/tabflow/internal/table"
)

// Pool maps names to open Sources.
type Pool struct {
	mu      sync.RWMutex
	sources map[string]source.Source
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{sources: make(map[string]source.Source)}
}

// Register adds an already-open source under name. Registering a name
// twice is a caller bug and fails without replacing the original.
func (p *Pool) Register(name string, src source.Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sources[name]; exists {
		return fmt.Errorf("source %q already registered", name)
	}
	p.sources[name] = src
	return nil
}

// OpenAndRegister constructs a source from its descriptor and registers
// it, closing the source again if the name is already taken.
func (p *Pool) OpenAndRegister(name string, desc source.Descriptor) (source.Source, error) {
	src, err := Open(desc)
	if err != nil {
		return nil, err
	}
	if err := p.Register(name, src); err != nil {
		src.Close()
		return nil, err
	}
	return src, nil
}

// Get returns the source registered under name.
func (p *Pool) Get(name string) (source.Source, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	src, ok := p.sources[name]
	return src, ok
}

// Names returns the registered names, sorted.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.sources))
	for name := range p.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered sources.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sources)
}

// CloseAll closes every registered source concurrently and empties the
// pool. Close failures are logged, never raised: release must not mask
// the error that ended the step.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sources := p.sources
	p.sources = make(map[string]source.Source)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for name, src := range sources {
		wg.Add(1)
		go func(name string, src source.Source) {
			defer wg.Done()
			if err := src.Close(); err != nil {
				logging.Warn("Closing source %q: %v", name, err)
			}
		}(name, src)
	}
	wg.Wait()
}

// Broadcast runs op against every registered source concurrently and
// collects the results by name. A failing member is logged and left
// absent from the result; it never aborts the batch.
func (p *Pool) Broadcast(ctx context.Context, op func(ctx context.Context, name string, src source.Source) (*table.Table, error)) map[string]*table.Table {
	p.mu.RLock()
	snapshot := make(map[string]source.Source, len(p.sources))
	for name, src := range p.sources {
		snapshot[name] = src
	}
	p.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]*table.Table, len(snapshot))
	)
	for name, src := range snapshot {
		wg.Add(1)
		go func(name string, src source.Source) {
			defer wg.Done()
			t, err := op(ctx, name, src)
			if err != nil {
				logging.Warn("Broadcast read from %q: %v", name, err)
				return
			}
			mu.Lock()
			results[name] = t
			mu.Unlock()
		}(name, src)
	}
	wg.Wait()
	return results
}
