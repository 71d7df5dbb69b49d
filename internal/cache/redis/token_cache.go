package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jtradehq/jtrade/internal/domain"
)

// TokenCache implements domain.TokenCache over Redis so replicas share
// one refreshed token per account instead of racing the broker's login
// endpoint.
type TokenCache struct {
	rdb *redis.Client
}

// NewTokenCache creates a TokenCache backed by the given Client.
func NewTokenCache(c *Client) *TokenCache {
	return &TokenCache{rdb: c.Underlying()}
}

func tokenKey(accountID int64) string {
	return "token:account:" + strconv.FormatInt(accountID, 10)
}

// GetToken returns the cached token for an account, if present.
func (tc *TokenCache) GetToken(ctx context.Context, accountID int64) (domain.AccessToken, bool, error) {
	raw, err := tc.rdb.Get(ctx, tokenKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.AccessToken{}, false, nil
	}
	if err != nil {
		return domain.AccessToken{}, false, fmt.Errorf("redis: get token for account %d: %w", accountID, err)
	}

	var tok domain.AccessToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return domain.AccessToken{}, false, fmt.Errorf("redis: decode token for account %d: %w", accountID, err)
	}
	return tok, true, nil
}

// SetToken stores a token with the given TTL.
func (tc *TokenCache) SetToken(ctx context.Context, accountID int64, tok domain.AccessToken, ttl time.Duration) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("redis: encode token for account %d: %w", accountID, err)
	}
	if err := tc.rdb.Set(ctx, tokenKey(accountID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set token for account %d: %w", accountID, err)
	}
	return nil
}

// DeleteToken drops a cached token (after invalidation or re-auth).
func (tc *TokenCache) DeleteToken(ctx context.Context, accountID int64) error {
	if err := tc.rdb.Del(ctx, tokenKey(accountID)).Err(); err != nil {
		return fmt.Errorf("redis: delete token for account %d: %w", accountID, err)
	}
	return nil
}

var _ domain.TokenCache = (*TokenCache)(nil)
