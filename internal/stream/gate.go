package stream

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ConnectGate throttles entry into the connecting region: at most
// `concurrency` sockets mid-handshake at once, with a minimum spacing
// between entries. It is process-wide so the brokers never see a
// reconnect stampede after an outage.
type ConnectGate struct {
	sem     *semaphore.Weighted
	spacing *rate.Limiter
}

// NewConnectGate builds a gate admitting `concurrency` concurrent
// handshakes spaced at least `spacing` apart.
func NewConnectGate(concurrency int, spacing time.Duration) *ConnectGate {
	if concurrency <= 0 {
		concurrency = 1
	}
	limit := rate.Inf
	if spacing > 0 {
		limit = rate.Every(spacing)
	}
	return &ConnectGate{
		sem:     semaphore.NewWeighted(int64(concurrency)),
		spacing: rate.NewLimiter(limit, 1),
	}
}

// Enter blocks until the caller may start a handshake, returning the
// release func to call when the handshake finishes (either way).
func (g *ConnectGate) Enter(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := g.spacing.Wait(ctx); err != nil {
		g.sem.Release(1)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { g.sem.Release(1) })
	}, nil
}
