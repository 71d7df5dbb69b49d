package domain

import (
	"context"
	"io"
	"time"
)

// Event-bus channels used by the core. The monitoring stream relays
// these to connected operators.
const (
	ChanSignals    = "jt:signals"
	ChanExecutions = "jt:executions"
	ChanStream     = "jt:stream"
	ChanCopies     = "jt:copies"
	ChanReconcile  = "jt:reconcile"
)

// BusMessage is one delivery from an EventBus subscription.
type BusMessage struct {
	Channel string
	Payload []byte
}

// EventBus publishes JSON-encoded platform events. Implementations are
// fire-and-forget: a publish failure is logged, never propagated into
// the trading path.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload any) error
	Subscribe(ctx context.Context, channels ...string) (<-chan BusMessage, func(), error)
}

// LockManager provides distributed mutual exclusion. Acquire returns an
// unlock func on success and ErrLockHeld when another holder owns the
// key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateGate enforces a shared request budget per key (one key per broker
// credential; many accounts sharing a token share its budget). Allow
// reports whether a call may proceed now, and the wait until one may.
type RateGate interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
	Wait(ctx context.Context, key string) error
}

// AccessToken is a short-lived broker token with its locally stored
// expiry, which is always strictly shorter than the broker's.
type AccessToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its stored lifetime.
func (t AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// ExpiresWithin reports whether the token expires inside the margin.
func (t AccessToken) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return t.ExpiresAt.Before(now.Add(margin))
}

// TokenCache stores managed access tokens keyed by account.
type TokenCache interface {
	GetToken(ctx context.Context, accountID int64) (AccessToken, bool, error)
	SetToken(ctx context.Context, accountID int64, tok AccessToken, ttl time.Duration) error
	DeleteToken(ctx context.Context, accountID int64) error
}

// TokenSource serves fresh tokens on demand. The credential keeper is
// the only implementation; consumers never refresh tokens themselves.
type TokenSource interface {
	TokenFor(ctx context.Context, accountID int64) (AccessToken, error)
	Invalidate(ctx context.Context, accountID int64)
}

// BlobWriter stores immutable objects (archival JSONL files).
type BlobWriter interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}
