package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)

	var current, peak int64
	var mu sync.Mutex
	release := make(chan struct{})

	for i := 0; i < 6; i++ {
		go func() {
			_ = pool.Submit(context.Background(), func(context.Context) error {
				n := atomic.AddInt64(&current, 1)
				mu.Lock()
				if n > peak {
					peak = n
				}
				mu.Unlock()
				<-release
				atomic.AddInt64(&current, -1)
				return nil
			})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	time.Sleep(50 * time.Millisecond)
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent workers, observed %d", peak)
	}
}

func TestWorkerPoolMetrics(t *testing.T) {
	pool := NewWorkerPool(4)

	for i := 0; i < 3; i++ {
		if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	if err := pool.Submit(context.Background(), func(context.Context) error { return errors.New("fail") }); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := pool.Submit(context.Background(), func(context.Context) error { panic("boom") }); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Completed != 3 {
		t.Fatalf("expected 3 completed, got %d", m.Completed)
	}
	if m.Failed != 2 {
		t.Fatalf("expected 2 failed (error + panic), got %d", m.Failed)
	}
	if m.Panics != 1 {
		t.Fatalf("expected 1 panic, got %d", m.Panics)
	}
	if m.Active != 0 {
		t.Fatalf("expected 0 active after Wait, got %d", m.Active)
	}
}

func TestWorkerPoolSubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)

	block := make(chan struct{})
	if err := pool.Submit(context.Background(), func(context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("initial submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Pool is full; waiting for a slot must stop when the context expires.
	err := pool.Submit(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	close(block)
	pool.Wait()
}
