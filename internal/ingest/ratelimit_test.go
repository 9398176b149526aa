package ingest_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vectory-io/vectory/internal/ingest"
)

func TestRateLimiterPacesRequests(t *testing.T) {
	t.Parallel()

	// 600 rpm = 10 per second with a burst of 10: the 11th acquire has to
	// wait for the bucket to refill.
	l := ingest.NewRateLimiter(600, 16)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 11; i++ {
		release, err := l.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		release()
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("11 acquires at 10/s burst 10 took %v, expected the last to wait", elapsed)
	}
}

func TestRateLimiterCapsInFlight(t *testing.T) {
	t.Parallel()

	l := ingest.NewRateLimiter(600_000, 2)
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			release()
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > 2 {
		t.Fatalf("observed %d concurrent holders, cap is 2", p)
	}
}

func TestRateLimiterPenalty(t *testing.T) {
	t.Parallel()

	l := ingest.NewRateLimiter(600_000, 4)
	ctx := context.Background()

	l.Penalize(80 * time.Millisecond)
	start := time.Now()
	release, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("acquire during penalty took %v, expected ~80ms wait", elapsed)
	}
}

func TestRateLimiterPenaltyExtendsNotStacks(t *testing.T) {
	t.Parallel()

	l := ingest.NewRateLimiter(600_000, 4)
	l.Penalize(100 * time.Millisecond)
	l.Penalize(40 * time.Millisecond) // shorter, must not shrink the deadline
	l.Penalize(100 * time.Millisecond)

	start := time.Now()
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	elapsed := time.Since(start)
	if elapsed < 60*time.Millisecond {
		t.Fatalf("penalty wait was %v, too short", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("penalty wait was %v, penalties must extend to the furthest deadline, not sum", elapsed)
	}
}

func TestRateLimiterAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	l := ingest.NewRateLimiter(600_000, 4)
	l.Penalize(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}
