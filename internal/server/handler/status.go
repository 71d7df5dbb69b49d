package handler

import (
	"net/http"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
	"github.com/jtradehq/jtrade/internal/pool"
)

// StatusHandler serves the operator's view of the streaming layer and
// the worker pools.
type StatusHandler struct {
	hub       domain.StreamHub
	pools     []*pool.Pool
	startedAt time.Time
}

func NewStatusHandler(hub domain.StreamHub, pools []*pool.Pool, startedAt time.Time) *StatusHandler {
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &StatusHandler{hub: hub, pools: pools, startedAt: startedAt}
}

// Get handles GET /status.
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	poolStats := map[string]pool.Stats{}
	for _, p := range h.pools {
		if p != nil {
			s := p.Stats()
			poolStats[s.Name] = s
		}
	}

	var streams domain.HubStatus
	if h.hub != nil {
		streams = h.hub.Status()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"streams":        streams,
		"pools":          poolStats,
	})
}
