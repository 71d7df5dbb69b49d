package handler

import (
	"log/slog"
	"net/http"

	"github.com/jtradehq/jtrade/internal/domain"
)

type executionStore interface {
	domain.FailureStore
	domain.TradeStore
}

// ExecutionHandler serves the broker-execution monitoring endpoints.
type ExecutionHandler struct {
	store  executionStore
	logger *slog.Logger
}

func NewExecutionHandler(store executionStore, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, logger: logger}
}

// Status handles GET /api/broker-execution/status: open trades plus a
// breakdown of the most recent failures by kind.
func (h *ExecutionHandler) Status(w http.ResponseWriter, r *http.Request) {
	trades, err := h.store.ListAllOpenTrades(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	failures, err := h.store.ListExecutionFailures(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	byKind := map[string]int{}
	for _, f := range failures {
		byKind[f.Kind]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"open_trades":        len(trades),
		"recent_failures":    len(failures),
		"failures_by_kind":   byKind,
		"last_failure_at":    lastFailureAt(failures),
		"open_trade_symbols": openSymbols(trades),
	})
}

// Failures handles GET /api/broker-execution/failures?limit=N.
func (h *ExecutionHandler) Failures(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 500)
	failures, err := h.store.ListExecutionFailures(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

func lastFailureAt(failures []domain.ExecutionFailure) any {
	if len(failures) == 0 {
		return nil
	}
	return failures[0].At
}

func openSymbols(trades []domain.Trade) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range trades {
		if !seen[t.Symbol] {
			seen[t.Symbol] = true
			out = append(out, t.Symbol)
		}
	}
	return out
}
