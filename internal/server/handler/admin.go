package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jtradehq/jtrade/internal/domain"
)

// Migrator applies pending schema migrations. The store implements it.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Flattener closes live positions. The execution engine implements it.
type Flattener interface {
	Flatten(ctx context.Context, cfg domain.Effective, reason string) error
}

// AdminHandler serves the privileged operations. Every route here sits
// behind the admin-key middleware.
type AdminHandler struct {
	migrator Migrator
	flatten  Flattener
	trades   domain.TradeStore
	logger   *slog.Logger
}

func NewAdminHandler(migrator Migrator, flatten Flattener, trades domain.TradeStore, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{migrator: migrator, flatten: flatten, trades: trades, logger: logger}
}

// RunMigrations handles POST /api/run-migrations.
func (h *AdminHandler) RunMigrations(w http.ResponseWriter, r *http.Request) {
	if err := h.migrator.Migrate(r.Context()); err != nil {
		h.logger.Error("migration run failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "migrated"})
}

// FlattenAccount handles POST /api/admin/flatten/{account}: market-close
// every open trade on the account, optionally scoped with ?symbol=.
func (h *AdminHandler) FlattenAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(r.PathValue("account"), 10, 64)
	if err != nil || accountID <= 0 {
		writeError(w, http.StatusBadRequest, "bad account id")
		return
	}
	symbol := r.URL.Query().Get("symbol")

	open, err := h.trades.ListAllOpenTrades(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	flattened, failed := 0, 0
	seen := map[string]bool{}
	for _, t := range open {
		if t.AccountID != accountID {
			continue
		}
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		if seen[t.Symbol] {
			continue
		}
		seen[t.Symbol] = true
		cfg := domain.Effective{
			StrategyID: t.StrategyID,
			TraderID:   t.TraderID,
			AccountID:  t.AccountID,
			Symbol:     t.Symbol,
			Multiplier: 1,
		}
		if err := h.flatten.Flatten(r.Context(), cfg, domain.ExitManualCleanup); err != nil {
			failed++
			h.logger.Error("admin flatten failed",
				slog.Int64("account_id", accountID),
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()))
			continue
		}
		flattened++
	}

	status := http.StatusOK
	if failed > 0 && flattened == 0 {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"account_id": accountID,
		"flattened":  flattened,
		"failed":     failed,
	})
}
