// Package local provides in-process fallbacks for the Redis-backed
// infrastructure interfaces. A single-replica deployment without Redis
// gets the same semantics scoped to one process.
package local

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jtradehq/jtrade/internal/domain"
)

// Bus is an in-process domain.EventBus. Subscribers that fall behind
// drop messages rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*busSub
	next int
}

type busSub struct {
	channels map[string]struct{}
	ch       chan domain.BusMessage
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*busSub)}
}

// Publish JSON-encodes payload and delivers it to every subscriber of
// the channel. Delivery is best-effort.
func (b *Bus) Publish(_ context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}
		select {
		case sub.ch <- domain.BusMessage{Channel: channel, Payload: data}:
		default:
			// Slow consumer; drop rather than stall the publisher.
		}
	}
	return nil
}

// Subscribe registers interest in the given channels.
func (b *Bus) Subscribe(_ context.Context, channels ...string) (<-chan domain.BusMessage, func(), error) {
	sub := &busSub{
		channels: make(map[string]struct{}, len(channels)),
		ch:       make(chan domain.BusMessage, 128),
	}
	for _, c := range channels {
		sub.channels[c] = struct{}{}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, stop, nil
}

var _ domain.EventBus = (*Bus)(nil)

// LockManager is an in-process domain.LockManager with TTL expiry.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]time.Time // key -> expiry
}

// NewLockManager creates an empty in-process lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]time.Time)}
}

// Acquire takes the named lock for ttl, returning domain.ErrLockHeld
// when another holder still owns it.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := time.Now()
	if exp, held := lm.locks[key]; held && exp.After(now) {
		return nil, domain.ErrLockHeld
	}
	lm.locks[key] = now.Add(ttl)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			lm.mu.Lock()
			delete(lm.locks, key)
			lm.mu.Unlock()
		})
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)

// RateGate is an in-process domain.RateGate: one token-bucket limiter
// per key, all keys sharing the same configured budget shape.
type RateGate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateGate creates a gate allowing limit requests per window per key.
func NewRateGate(limit int, window time.Duration) *RateGate {
	if limit <= 0 {
		limit = 1
	}
	return &RateGate{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(limit) / window.Seconds()),
		burst:    limit,
	}
}

func (g *RateGate) limiter(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[key]
	if !ok {
		l = rate.NewLimiter(g.limit, g.burst)
		g.limiters[key] = l
	}
	return l
}

// Allow reports whether a request for key may proceed now.
func (g *RateGate) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l := g.limiter(key)
	res := l.Reserve()
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}

// Wait blocks until a request for key is admitted.
func (g *RateGate) Wait(ctx context.Context, key string) error {
	return g.limiter(key).Wait(ctx)
}

var _ domain.RateGate = (*RateGate)(nil)

// TokenCache is an in-process domain.TokenCache.
type TokenCache struct {
	mu     sync.RWMutex
	tokens map[int64]tokenEntry
}

type tokenEntry struct {
	tok domain.AccessToken
	exp time.Time
}

// NewTokenCache creates an empty in-process token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{tokens: make(map[int64]tokenEntry)}
}

// GetToken returns the cached token for an account, if still live.
func (tc *TokenCache) GetToken(_ context.Context, accountID int64) (domain.AccessToken, bool, error) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	e, ok := tc.tokens[accountID]
	if !ok || !e.exp.After(time.Now()) {
		return domain.AccessToken{}, false, nil
	}
	return e.tok, true, nil
}

// SetToken stores a token with the given TTL.
func (tc *TokenCache) SetToken(_ context.Context, accountID int64, tok domain.AccessToken, ttl time.Duration) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.tokens[accountID] = tokenEntry{tok: tok, exp: time.Now().Add(ttl)}
	return nil
}

// DeleteToken drops a cached token.
func (tc *TokenCache) DeleteToken(_ context.Context, accountID int64) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.tokens, accountID)
	return nil
}

var _ domain.TokenCache = (*TokenCache)(nil)
