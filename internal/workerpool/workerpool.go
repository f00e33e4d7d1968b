// Package workerpool bounds concurrent blocking I/O per source kind.
// Pools are process-wide, created lazily on first use, and drained
// exactly once at shutdown.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabflow/tabflow/internal/logging"
)

// ErrClosed is returned by Run after Shutdown.
var ErrClosed = errors.New("worker pool closed")

// Pool bounds concurrent work with a semaphore of configurable width.
type Pool struct {
	name   string
	sem    chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a standalone pool. Most callers want ForKind instead.
func New(name string, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{name: name, sem: make(chan struct{}, size)}
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Size returns the maximum number of concurrent jobs.
func (p *Pool) Size() int { return cap(p.sem) }

// Run submits fn and waits for its completion. The pool slot is held for
// fn's full duration. If ctx is cancelled while waiting for a slot, fn
// never runs. If ctx is cancelled while fn runs, Run returns ctx.Err()
// immediately and fn drains in the background; blocking work is not
// preempted, only its result is discarded.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p.closed.Load() {
		return ErrClosed
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	done := make(chan error, 1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain waits for in-flight work up to the timeout.
func (p *Pool) drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

var (
	poolsMu      sync.Mutex
	pools        = make(map[string]*Pool)
	shutdownOnce sync.Once
)

// ForKind returns the process-wide pool for a source kind, creating it
// with the given size on first use. Later calls ignore size, so
// configuration must create pools before any source touches them.
func ForKind(kind string, size int) *Pool {
	poolsMu.Lock()
	defer poolsMu.Unlock()

	if p, ok := pools[kind]; ok {
		return p
	}
	p := New(kind, size)
	pools[kind] = p
	logging.Debug("Created %s worker pool (size %d)", kind, p.Size())
	return p
}

// Shutdown marks every process-wide pool closed and drains in-flight
// work, waiting up to timeout per pool. Safe to call more than once;
// only the first call does anything.
func Shutdown(timeout time.Duration) {
	shutdownOnce.Do(func() {
		poolsMu.Lock()
		all := make([]*Pool, 0, len(pools))
		for _, p := range pools {
			all = append(all, p)
		}
		poolsMu.Unlock()

		for _, p := range all {
			p.closed.Store(true)
			if !p.drain(timeout) {
				logging.Warn("Worker pool %s did not drain within %v", p.name, timeout)
			}
		}
	})
}
