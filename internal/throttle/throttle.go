// Package throttle provides a shared byte-budget limiter used by the
// cleaning engine's workers to keep aggregate rewrite I/O under a
// configured ceiling, regardless of how many workers are active.
package throttle

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"compactlog/internal/logging"
)

// Throttler accounts bytes moved by any number of concurrent callers and
// blocks the caller just long enough to keep the windowed rate at or below
// the configured ceiling. It is safe for concurrent use.
type Throttler struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Config describes the desired ceiling. DesiredBytesPerSec of zero or less
// disables throttling: MaybeThrottle becomes a no-op.
type Config struct {
	DesiredBytesPerSec int64
	Logger             *slog.Logger
}

// New constructs a Throttler. A burst equal to one second's worth of
// budget is used so short bursts under the ceiling never block.
func New(cfg Config) *Throttler {
	logger := logging.Default(cfg.Logger).With("component", "throttle")
	if cfg.DesiredBytesPerSec <= 0 {
		return &Throttler{limiter: nil, logger: logger}
	}
	burst := int(cfg.DesiredBytesPerSec)
	if burst < 1 {
		burst = 1
	}
	return &Throttler{
		limiter: rate.NewLimiter(rate.Limit(cfg.DesiredBytesPerSec), burst),
		logger:  logger,
	}
}

// MaybeThrottle accounts n bytes against the budget and blocks until the
// windowed rate is back at or below the ceiling, or ctx is cancelled.
// When no ceiling is configured this is a cheap no-op: no syscall, no
// channel operation, on the fast path.
func (t *Throttler) MaybeThrottle(ctx context.Context, n int) error {
	if t.limiter == nil || n <= 0 {
		return nil
	}
	// WaitN rejects a request larger than the burst outright, so oversized
	// requests are accounted in burst-sized steps.
	for burst := t.limiter.Burst(); n > burst; n -= burst {
		if err := t.limiter.WaitN(ctx, burst); err != nil {
			return err
		}
	}
	return t.limiter.WaitN(ctx, n)
}

// SetBytesPerSecond adjusts the ceiling at runtime; existing waiters are
// unaffected until their next wait.
func (t *Throttler) SetBytesPerSecond(bytesPerSec int64) {
	if t.limiter == nil {
		return
	}
	t.limiter.SetLimit(rate.Limit(bytesPerSec))
}
