package throttle

import (
	"context"
	"testing"
	"time"
)

func TestMaybeThrottleNoLimitIsNoop(t *testing.T) {
	th := New(Config{})
	start := time.Now()
	if err := th.MaybeThrottle(context.Background(), 10<<20); err != nil {
		t.Fatalf("MaybeThrottle: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("MaybeThrottle blocked despite no configured ceiling")
	}
}

func TestMaybeThrottleEnforcesCeiling(t *testing.T) {
	th := New(Config{DesiredBytesPerSec: 1000})

	start := time.Now()
	// First call consumes the initial burst instantly.
	if err := th.MaybeThrottle(context.Background(), 1000); err != nil {
		t.Fatalf("MaybeThrottle: %v", err)
	}
	// Second call must wait roughly 1 second for the bucket to refill.
	if err := th.MaybeThrottle(context.Background(), 1000); err != nil {
		t.Fatalf("MaybeThrottle: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 500*time.Millisecond {
		t.Fatalf("expected throttling to introduce a delay, elapsed = %v", elapsed)
	}
}

func TestMaybeThrottleRespectsCancellation(t *testing.T) {
	th := New(Config{DesiredBytesPerSec: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	th.MaybeThrottle(context.Background(), 1) // drain the initial burst
	if err := th.MaybeThrottle(ctx, 1000); err == nil {
		t.Fatal("MaybeThrottle: expected context deadline error")
	}
}
