package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/jtradehq/jtrade/internal/domain"
	"github.com/jtradehq/jtrade/internal/router"
)

// maxSignalBody bounds webhook payloads; alert payloads are tiny and
// anything larger is garbage.
const maxSignalBody = 64 << 10

// Ingestor accepts a raw webhook body for a strategy token. The signal
// router implements it.
type Ingestor interface {
	Ingest(ctx context.Context, token string, body []byte) (router.Outcome, error)
}

// WebhookHandler terminates the signal webhook. It does no work beyond
// the router's ingest path, which hands execution to the pools, so the
// alert source gets its 2xx immediately.
type WebhookHandler struct {
	ingest Ingestor
	logger *slog.Logger
}

func NewWebhookHandler(ingest Ingestor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{ingest: ingest, logger: logger}
}

// Receive handles POST /webhook/{token}.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		writeError(w, http.StatusNotFound, "unknown webhook")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignalBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	out, err := h.ingest.Ingest(r.Context(), token, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, out)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown webhook")
	case errors.Is(err, domain.ErrStrategyDisabled):
		writeError(w, http.StatusGone, "strategy archived")
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrTimeout):
		// Ingest pressure is not the sender's problem: the pool has
		// counted the drop; acknowledge so the alert source never
		// retries into a saturated queue.
		h.logger.Warn("signal dropped under ingest pressure",
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusAccepted, router.Outcome{
			Status:  domain.SignalReceived,
			Reason:  "ingest saturated",
			Dropped: 1,
		})
	default:
		h.logger.Error("webhook ingest failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "ingest failed")
	}
}
