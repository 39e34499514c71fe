package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_SubmitExecutesJob(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(ctx, 2, 10)
	defer pool.Close()

	executed := make(chan struct{})
	err := pool.Submit(Job{
		Key: "test-job",
		Execute: func(ctx context.Context) error {
			close(executed)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for job execution")
	}

	t.Log("✓ Submitted job executes")
}

func TestPool_DefaultsOnBadConfig(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(ctx, 0, -5)
	defer pool.Close()

	if pool.Workers() != 1 {
		t.Errorf("Expected 1 worker (default), got %d", pool.Workers())
	}

	t.Log("✓ Invalid config falls back to defaults")
}

func TestPool_SubmitQueueFull(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(ctx, 1, 1)
	defer pool.Close()

	// Block the worker
	blocker := make(chan struct{})
	started := make(chan struct{})
	_ = pool.Submit(Job{
		Key: "blocking",
		Execute: func(ctx context.Context) error {
			close(started)
			<-blocker
			return nil
		},
	})
	<-started

	// Fill the queue
	_ = pool.Submit(Job{Key: "fill", Execute: func(ctx context.Context) error { return nil }})

	// Overflow must fail rather than block
	err := pool.Submit(Job{Key: "overflow", Execute: func(ctx context.Context) error { return nil }})
	if err == nil {
		t.Error("Expected error on full queue, got nil")
	}

	close(blocker)
	t.Log("✓ Full queue rejects instead of blocking")
}

func TestPool_Results(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(ctx, 2, 10)
	defer pool.Close()

	expectedErr := errors.New("job failed")
	_ = pool.Submit(Job{
		Key: "failing",
		Execute: func(ctx context.Context) error {
			return expectedErr
		},
	})

	select {
	case result := <-pool.Results():
		if result.Key != "failing" {
			t.Errorf("Expected key 'failing', got %q", result.Key)
		}
		if !errors.Is(result.Err, expectedErr) {
			t.Errorf("Expected %v, got %v", expectedErr, result.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for result")
	}

	t.Log("✓ Results channel reports job outcomes")
}

func TestPool_CloseDrainsQueue(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(ctx, 2, 10)

	var counter int64
	for i := 0; i < 5; i++ {
		_ = pool.Submit(Job{
			Key: "drain",
			Execute: func(ctx context.Context) error {
				atomic.AddInt64(&counter, 1)
				return nil
			},
		})
	}

	pool.Close()

	if got := atomic.LoadInt64(&counter); got != 5 {
		t.Errorf("Expected 5 executions before Close returns, got %d", got)
	}

	// After close, submit should fail
	err := pool.Submit(Job{Key: "late", Execute: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed after Close, got %v", err)
	}

	t.Log("✓ Close drains queued jobs and rejects new ones")
}

func TestPool_ConcurrentSubmit(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(ctx, 4, 200)

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Submit(Job{
				Key: "concurrent",
				Execute: func(ctx context.Context) error {
					atomic.AddInt64(&counter, 1)
					return nil
				},
			})
		}()
	}

	wg.Wait()
	pool.Close()

	if atomic.LoadInt64(&counter) != 100 {
		t.Errorf("Expected 100 executions, got %d", counter)
	}

	t.Log("✓ Concurrent submits all execute")
}
