package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/tributary/internal/ingesterr"
	"github.com/ppiankov/tributary/internal/model"
)

func fastPolicy() model.RatePolicy {
	return model.RatePolicy{
		RequestsPerSecond: 100,
		Burst:             5,
		MaxConcurrent:     3,
		MaxWait:           time.Second,
	}
}

func TestLimiter_Acquire(t *testing.T) {
	l := New(fastPolicy())
	ctx := context.Background()

	release, err := l.Acquire(ctx, "src-a")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if got := l.InFlight("src-a"); got != 1 {
		t.Errorf("expected 1 in-flight, got %d", got)
	}
	release()
	if got := l.InFlight("src-a"); got != 0 {
		t.Errorf("expected 0 in-flight after release, got %d", got)
	}
}

func TestLimiter_ReleaseIdempotent(t *testing.T) {
	l := New(fastPolicy())
	release, err := l.Acquire(context.Background(), "src-a")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	release()
	release() // second call must be a no-op
	if got := l.InFlight("src-a"); got != 0 {
		t.Errorf("expected 0 in-flight, got %d", got)
	}
}

func TestLimiter_BurstBound(t *testing.T) {
	// 1 rps, burst 2: exactly two requests admitted instantly
	l := New(model.RatePolicy{RequestsPerSecond: 1, Burst: 2, MaxConcurrent: 10, MaxWait: 50 * time.Millisecond})
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 5; i++ {
		if l.Allow("src-a") {
			admitted++
		}
		if release, err := l.Acquire(ctx, "src-a"); err == nil {
			release()
		}
	}
	if admitted > 2 {
		t.Errorf("burst 2 admitted %d instant requests", admitted)
	}
}

func TestLimiter_ConcurrencyCeiling(t *testing.T) {
	l := New(model.RatePolicy{RequestsPerSecond: 1000, Burst: 1000, MaxConcurrent: 2, MaxWait: 5 * time.Second})
	ctx := context.Background()

	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "src-a")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			curr := atomic.AddInt32(&current, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if curr <= old || atomic.CompareAndSwapInt32(&peak, old, curr) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			release()
		}()
	}
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("concurrency ceiling 2 exceeded, peak %d", p)
	}
}

func TestLimiter_DeadlineExceeded(t *testing.T) {
	// Bucket drained and refilling far slower than MaxWait
	l := New(model.RatePolicy{RequestsPerSecond: 0.01, Burst: 1, MaxConcurrent: 5, MaxWait: 30 * time.Millisecond})
	ctx := context.Background()

	release, err := l.Acquire(ctx, "src-a")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer release()

	_, err = l.Acquire(ctx, "src-a")
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if ingesterr.KindOf(err) != ingesterr.KindResourceExhausted {
		t.Errorf("expected resource_exhausted classification, got %v", ingesterr.KindOf(err))
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	l := New(model.RatePolicy{RequestsPerSecond: 0.01, Burst: 1, MaxConcurrent: 1, MaxWait: 10 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	release, err := l.Acquire(ctx, "src-a")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer release()

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, "src-a")
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
}

func TestLimiter_SourceIsolation(t *testing.T) {
	l := New(model.RatePolicy{RequestsPerSecond: 0.01, Burst: 1, MaxConcurrent: 1, MaxWait: 20 * time.Millisecond})
	ctx := context.Background()

	release, err := l.Acquire(ctx, "slow-source")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer release()

	// A different source has its own bucket and slots
	r2, err := l.Acquire(ctx, "other-source")
	if err != nil {
		t.Fatalf("other source should be unaffected: %v", err)
	}
	r2()
}

func TestLimiter_Configure(t *testing.T) {
	l := New(fastPolicy())
	l.Configure("strict", model.RatePolicy{RequestsPerSecond: 0.1, Burst: 1, MaxConcurrent: 1, MaxWait: 10 * time.Millisecond})

	if !l.Allow("strict") {
		t.Error("first request should be admitted")
	}
	release, err := l.Acquire(context.Background(), "strict")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer release()

	if l.Allow("strict") {
		t.Error("second instant request should be rejected")
	}
}

func TestLimiter_WaitWithDelay(t *testing.T) {
	l := New(fastPolicy())
	start := time.Now()
	release, err := l.WaitWithDelay(context.Background(), "src-a", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitWithDelay failed: %v", err)
	}
	defer release()

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected delay >= 50ms, got %v", elapsed)
	}
}

func TestLimiter_SustainedRate(t *testing.T) {
	// 20 rps, burst 1: 5 sequential acquires should take roughly 200ms
	l := New(model.RatePolicy{RequestsPerSecond: 20, Burst: 1, MaxConcurrent: 5, MaxWait: 5 * time.Second})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		release, err := l.Acquire(ctx, "src-a")
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		release()
	}
	elapsed := time.Since(start)

	// First token is free, four more at 50ms apiece
	if elapsed < 150*time.Millisecond {
		t.Errorf("sustained rate violated: 5 acquires in %v", elapsed)
	}
}
