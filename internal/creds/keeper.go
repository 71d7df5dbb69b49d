// Package creds owns broker credentials: the periodic refresh sweep
// for OAuth accounts, on-demand token serving, and the needs_reauth
// state. No other component ever refreshes a token.
package creds

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/domain"
)

// Refresher is the OAuth token flow of the tradex client: renew with
// the refresh token, or fall back to password-grant login.
type Refresher interface {
	Renew(ctx context.Context, env domain.Environment, creds domain.Credentials) (domain.Credentials, error)
	Login(ctx context.Context, env domain.Environment, username, password string) (domain.Credentials, error)
}

// Keeper manages OAuth credential lifecycles. It implements
// domain.TokenSource for the rest of the system.
type Keeper struct {
	store     domain.AccountStore
	refresher Refresher
	cache     domain.TokenCache
	cfg       config.KeeperConfig
	logger    *slog.Logger
	now       func() time.Time

	// Per-account refresh serialization so an expiring token is not
	// refreshed twice concurrently.
	mu       sync.Mutex
	inFlight map[int64]*sync.Mutex
}

// NewKeeper wires a keeper.
func NewKeeper(store domain.AccountStore, refresher Refresher, cache domain.TokenCache, cfg config.KeeperConfig, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		store:     store,
		refresher: refresher,
		cache:     cache,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "creds")),
		now:       time.Now,
		inFlight:  make(map[int64]*sync.Mutex),
	}
}

// Sweep refreshes every OAuth account whose token expires within the
// early margin. Individual failures never abort the sweep.
func (k *Keeper) Sweep(ctx context.Context) error {
	accounts, err := k.store.ListOAuthAccounts(ctx)
	if err != nil {
		return fmt.Errorf("creds: sweep: list accounts: %w", err)
	}

	now := k.now()
	for _, acct := range accounts {
		tok := domain.AccessToken{Value: acct.Credentials.AccessToken, ExpiresAt: acct.Credentials.TokenExpiry}
		if tok.Value != "" && !tok.ExpiresWithin(now, k.cfg.RefreshEarlyMargin.Duration) {
			continue
		}
		if _, err := k.refresh(ctx, acct); err != nil {
			k.logger.Warn("sweep refresh failed",
				slog.Int64("account_id", acct.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// TokenFor returns a live access token for the account, refreshing on
// demand. Non-OAuth accounts get their long-lived key back unchanged.
func (k *Keeper) TokenFor(ctx context.Context, accountID int64) (domain.AccessToken, error) {
	if k.cache != nil {
		if tok, ok, err := k.cache.GetToken(ctx, accountID); err == nil && ok && !tok.Expired(k.now()) {
			return tok, nil
		}
	}

	acct, err := k.store.GetAccountWithCredentials(ctx, accountID)
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("creds: token for %d: %w", accountID, err)
	}
	if acct.NeedsReauth {
		return domain.AccessToken{}, fmt.Errorf("creds: token for %d: %w: needs re-authentication", accountID, domain.ErrAuthExpired)
	}

	if !acct.Credentials.HasOAuthToken() {
		// API-key brokers: the key itself is the credential.
		return domain.AccessToken{Value: acct.Credentials.APIKey}, nil
	}

	tok := domain.AccessToken{Value: acct.Credentials.AccessToken, ExpiresAt: acct.Credentials.TokenExpiry}
	if tok.Value != "" && !tok.Expired(k.now()) {
		k.cacheToken(ctx, accountID, tok)
		return tok, nil
	}

	return k.refresh(ctx, acct)
}

// Invalidate drops the cached token so the next TokenFor refreshes.
func (k *Keeper) Invalidate(ctx context.Context, accountID int64) {
	if k.cache != nil {
		if err := k.cache.DeleteToken(ctx, accountID); err != nil {
			k.logger.Warn("token cache delete failed",
				slog.Int64("account_id", accountID),
				slog.String("error", err.Error()))
		}
	}
}

// refresh renews the account's token, falling back to a full
// password-grant login. A second failure marks the account
// needs_reauth and removes it from the auto-trading pool.
func (k *Keeper) refresh(ctx context.Context, acct domain.Account) (domain.AccessToken, error) {
	lock := k.accountLock(acct.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have refreshed while we waited.
	if k.cache != nil {
		if tok, ok, err := k.cache.GetToken(ctx, acct.ID); err == nil && ok && !tok.Expired(k.now()) {
			return tok, nil
		}
	}

	creds, err := k.refresher.Renew(ctx, acct.Environment, acct.Credentials)
	if err != nil {
		k.logger.Info("token renew failed, attempting re-login",
			slog.Int64("account_id", acct.ID),
			slog.String("error", err.Error()))

		creds, err = k.refresher.Login(ctx, acct.Environment, acct.Credentials.Username, acct.Credentials.Password)
		if err != nil {
			reason := fmt.Sprintf("renew and re-login both failed: %v", err)
			if markErr := k.store.MarkAccountNeedsReauth(ctx, acct.ID, reason); markErr != nil {
				k.logger.Error("mark needs_reauth failed",
					slog.Int64("account_id", acct.ID),
					slog.String("error", markErr.Error()))
			}
			return domain.AccessToken{}, fmt.Errorf("creds: refresh account %d: %w", acct.ID, err)
		}
	}

	// Cap the stored lifetime below the broker's so a token never
	// looks live locally after the broker has expired it.
	expiry := k.now().Add(k.cfg.StoredTokenLifetime.Duration)
	if !creds.TokenExpiry.IsZero() && creds.TokenExpiry.Before(expiry) {
		expiry = creds.TokenExpiry
	}
	creds.TokenExpiry = expiry

	if err := k.store.UpdateAccountCredentials(ctx, acct.ID, creds); err != nil {
		return domain.AccessToken{}, fmt.Errorf("creds: persist refreshed credentials for %d: %w", acct.ID, err)
	}
	if acct.NeedsReauth {
		if err := k.store.ClearAccountReauth(ctx, acct.ID); err != nil {
			k.logger.Warn("clear needs_reauth failed",
				slog.Int64("account_id", acct.ID),
				slog.String("error", err.Error()))
		}
	}

	tok := domain.AccessToken{Value: creds.AccessToken, ExpiresAt: expiry}
	k.cacheToken(ctx, acct.ID, tok)

	k.logger.Info("token refreshed",
		slog.Int64("account_id", acct.ID),
		slog.Time("expires_at", expiry))
	return tok, nil
}

func (k *Keeper) cacheToken(ctx context.Context, accountID int64, tok domain.AccessToken) {
	if k.cache == nil {
		return
	}
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := k.cache.SetToken(ctx, accountID, tok, ttl); err != nil {
		k.logger.Warn("token cache set failed",
			slog.Int64("account_id", accountID),
			slog.String("error", err.Error()))
	}
}

func (k *Keeper) accountLock(accountID int64) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.inFlight[accountID]
	if !ok {
		l = &sync.Mutex{}
		k.inFlight[accountID] = l
	}
	return l
}

var _ domain.TokenSource = (*Keeper)(nil)
