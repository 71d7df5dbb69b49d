package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks a dependency's liveness. The store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the liveness probe.
type HealthHandler struct {
	store Pinger
}

func NewHealthHandler(store Pinger) *HealthHandler {
	return &HealthHandler{store: store}
}

// Check handles GET /health. A failing store makes the probe fail;
// everything else degrades without taking the process out of rotation.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	state := "ok"
	storeState := "ok"
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			state = "degraded"
			storeState = err.Error()
		}
	}
	writeJSON(w, status, map[string]any{
		"status":    state,
		"store":     storeState,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
