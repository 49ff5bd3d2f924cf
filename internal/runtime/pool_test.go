package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran int64
	err := pool.Submit(context.Background(), context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 || m.Size != 2 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Shutdown()

	var current, peak int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	pool.Wait()

	if peak > 3 {
		t.Errorf("peak concurrency %d exceeds pool size 3", peak)
	}
	if m := pool.Metrics(); m.Completed != 10 {
		t.Errorf("expected 10 completed, got %d", m.Completed)
	}
}

func TestWorkerPool_RunContextOutlivesSubmitter(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	submitCtx, cancel := context.WithCancel(context.Background())
	var sawErr atomic.Value
	err := pool.Submit(submitCtx, context.Background(), func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		sawErr.Store(ctx.Err() == nil)
		return nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	cancel()
	pool.Wait()

	if ok, _ := sawErr.Load().(bool); !ok {
		t.Error("run context was cancelled with the submitting context")
	}
}

func TestWorkerPool_FailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var recovered atomic.Value
	pool.onPanic = func(v any) { recovered.Store(v) }

	_ = pool.Submit(context.Background(), context.Background(), func(context.Context) error {
		return errors.New("boom")
	})
	_ = pool.Submit(context.Background(), context.Background(), func(context.Context) error {
		panic("kaboom")
	})
	pool.Wait()

	m := pool.Metrics()
	if m.Failed != 2 || m.Panics != 1 || m.Active != 0 {
		t.Errorf("unexpected metrics: %+v", m)
	}
	if recovered.Load() != "kaboom" {
		t.Errorf("panic value not reported: %v", recovered.Load())
	}
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	_ = pool.Submit(context.Background(), context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	close(release)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}
