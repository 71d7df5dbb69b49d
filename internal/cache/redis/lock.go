package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jtradehq/jtrade/internal/domain"
)

// releaseLua deletes the lock key only while it still holds the
// caller's fencing token, so a holder whose TTL already lapsed cannot
// release the next holder's lock.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// releaseTimeout bounds the unlock round-trip; unlock runs on a
// background context because the sweep's context is usually already
// cancelled by the time cleanup fires.
const releaseTimeout = 5 * time.Second

// LockManager implements domain.LockManager with SET NX EX and a
// token-fenced Lua release. The reconcile sweep is the main consumer:
// one replica holds the key for the interval, the rest see ErrLockHeld
// and skip. Callers own the key namespace ("lock:reconcile").
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLockManager builds a lock manager on the shared client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLua),
	}
}

// Acquire takes the key for ttl and returns the unlock func, or
// ErrLockHeld when another holder owns it. Unlock is safe to call more
// than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()

	ok, err := lm.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			relCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = lm.release.Run(relCtx, lm.rdb, []string{key}, token).Err()
		})
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)
