package handler

import (
	"net/http"

	"github.com/jtradehq/jtrade/internal/domain"
)

// AccountsHandler serves account credential health.
type AccountsHandler struct {
	store domain.AccountStore
}

func NewAccountsHandler(store domain.AccountStore) *AccountsHandler {
	return &AccountsHandler{store: store}
}

type accountAuth struct {
	AccountID   int64              `json:"account_id"`
	Name        string             `json:"name"`
	Broker      domain.Broker      `json:"broker"`
	Environment domain.Environment `json:"environment"`
	Enabled     bool               `json:"enabled"`
	NeedsReauth bool               `json:"needs_reauth"`
	Reason      string             `json:"reason,omitempty"`
}

// AuthStatus handles GET /api/accounts/auth-status. Credentials never
// leave the store; this reports only the reauth flags the UI surfaces.
func (h *AccountsHandler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	out := make([]accountAuth, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountAuth{
			AccountID:   a.ID,
			Name:        a.Name,
			Broker:      a.Broker,
			Environment: a.Environment,
			Enabled:     a.Enabled,
			NeedsReauth: a.NeedsReauth,
			Reason:      a.ReauthReason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}
