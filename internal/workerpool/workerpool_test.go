package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunBoundsConcurrency(t *testing.T) {
	p := New("test", 2)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Run(context.Background(), func() error {
				n := inFlight.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestRunReturnsFnError(t *testing.T) {
	p := New("test", 1)
	want := errors.New("boom")
	if err := p.Run(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Run error = %v, want %v", err, want)
	}
}

func TestRunCancelledWhileWaiting(t *testing.T) {
	p := New("test", 1)

	release := make(chan struct{})
	go p.Run(context.Background(), func() error {
		<-release
		return nil
	})

	// Give the first job time to take the only slot.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := p.Run(ctx, func() error {
		ran = true
		return nil
	})
	close(release)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
	if ran {
		t.Error("fn ran despite cancelled context")
	}
}

func TestRunCancelledMidFlight(t *testing.T) {
	p := New("test", 1)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})

	start := time.Now()
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()
	err := p.Run(ctx, func() error {
		defer close(finished)
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("Run blocked %v after cancel, want early return", elapsed)
	}

	// The job keeps draining in the background.
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Error("in-flight job never drained")
	}
}

func TestForKindReturnsSameInstance(t *testing.T) {
	a := ForKind("columnar", 4)
	b := ForKind("columnar", 99)
	if a != b {
		t.Error("ForKind created two pools for one kind")
	}
	if b.Size() != 4 {
		t.Errorf("second ForKind resized pool to %d, want creation size 4", b.Size())
	}
}

// Keep last: Shutdown flips the process-wide once.
func TestShutdownIdempotent(t *testing.T) {
	p := ForKind("shutdown-test", 1)

	Shutdown(time.Second)
	Shutdown(time.Second)

	if err := p.Run(context.Background(), func() error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Run after Shutdown = %v, want ErrClosed", err)
	}
}
