package router

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

// dedup drops repeated signals seen within the ttl window. Safe for
// concurrent use.
type dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func newDedup(ttl time.Duration) *dedup {
	return &dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// DedupKey builds the duplicate-detection key for one signal: the
// strategy, the normalized action, and the sender's time label (falling
// back to the receipt second when the payload carries none).
func DedupKey(strategyID int64, action domain.SignalAction, timeLabel string, receivedAt time.Time) string {
	if timeLabel == "" {
		timeLabel = receivedAt.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", strategyID, action, timeLabel)))
	return hex.EncodeToString(sum[:8])
}

// IsDuplicate records the key and reports whether it was already seen
// inside the window.
func (d *dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup evicts expired entries; called periodically so the map does
// not grow without bound.
func (d *dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, k)
		}
	}
}
