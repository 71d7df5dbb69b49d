package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

// retrySchedule is the backoff between attempts for retriable broker
// failures. Five attempts total.
var retrySchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// MaxAttempts is the total attempt count WithRetry makes.
var MaxAttempts = len(retrySchedule)

// WithRetry runs fn up to MaxAttempts times, backing off between
// attempts. Only rate limits and transport failures are retried; a
// broker-supplied Retry-After overrides the scheduled delay when
// longer. Terminal errors (rejections, auth, integrity) return
// immediately.
func WithRetry(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !domain.Retriable(err) {
			return err
		}

		if attempt == MaxAttempts-1 {
			break
		}

		delay := retrySchedule[attempt]
		var rl *domain.RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > delay {
			delay = rl.RetryAfter
		}

		logger.Warn("broker call failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
