// Package tradex implements the OAuth futures broker: password-grant
// login with short-lived access tokens, REST order placement, and a
// JSON-framed streaming protocol.
package tradex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jtradehq/jtrade/internal/broker"
	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/domain"
)

const (
	writeTimeout = 60 * time.Second
	readTimeout  = 30 * time.Second
)

// Client is the low-level Tradex REST client. The credential keeper
// uses it directly for the token flows; the adapter builds on it for
// order traffic.
type Client struct {
	liveURL    string
	demoURL    string
	httpClient *http.Client
	gate       domain.RateGate
	logger     *slog.Logger
}

// NewClient creates a Tradex REST client.
func NewClient(cfg config.BrokerConfig, gate domain.RateGate, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	demo := cfg.DemoURL
	if demo == "" {
		demo = cfg.BaseURL
	}
	return &Client{
		liveURL:    cfg.BaseURL,
		demoURL:    demo,
		httpClient: &http.Client{Timeout: writeTimeout},
		gate:       gate,
		logger:     logger.With(slog.String("component", "tradex")),
	}
}

func (c *Client) baseURL(env domain.Environment) string {
	if env == domain.EnvDemo {
		return c.demoURL
	}
	return c.liveURL
}

// Login performs the password-grant flow and returns the token pair.
// Success is judged by the response's success flag and token fields,
// not by transport status alone.
func (c *Client) Login(ctx context.Context, env domain.Environment, username, password string) (domain.Credentials, error) {
	body := map[string]any{"name": username, "password": password}

	var resp apiTokenResponse
	if err := c.do(ctx, env, http.MethodPost, "/auth/accesstokenrequest", "", body, &resp); err != nil {
		return domain.Credentials{}, fmt.Errorf("tradex: login: %w", err)
	}
	if resp.rejected() || resp.AccessToken == "" {
		return domain.Credentials{}, fmt.Errorf("tradex: login: %w",
			&domain.BrokerRejectedError{Reason: orUnspecified(resp.FailureText)})
	}
	return tokenCredentials(username, password, resp), nil
}

// Renew exchanges a refresh token for a fresh access token.
func (c *Client) Renew(ctx context.Context, env domain.Environment, creds domain.Credentials) (domain.Credentials, error) {
	body := map[string]any{"refreshToken": creds.RefreshToken}

	var resp apiTokenResponse
	if err := c.do(ctx, env, http.MethodPost, "/auth/renewaccesstoken", creds.AccessToken, body, &resp); err != nil {
		return domain.Credentials{}, fmt.Errorf("tradex: renew: %w", err)
	}
	if resp.rejected() || resp.AccessToken == "" {
		return domain.Credentials{}, fmt.Errorf("tradex: renew: %w",
			&domain.BrokerRejectedError{Reason: orUnspecified(resp.FailureText)})
	}
	return tokenCredentials(creds.Username, creds.Password, resp), nil
}

func tokenCredentials(username, password string, resp apiTokenResponse) domain.Credentials {
	refresh := resp.RefreshToken
	return domain.Credentials{
		Username:     username,
		Password:     password,
		AccessToken:  resp.AccessToken,
		RefreshToken: refresh,
		TokenExpiry:  time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
}

// do sends one REST request and decodes the response into out. The
// shared per-credential budget gates every call; statuses map to the
// structured error kinds.
func (c *Client) do(ctx context.Context, env domain.Environment, method, path, token string, body, out any) error {
	if c.gate != nil {
		key := "tradex:" + string(env)
		if token != "" {
			key = "tradex:" + token[:min(12, len(token))]
		}
		if err := c.gate.Wait(ctx, key); err != nil {
			return fmt.Errorf("rate gate: %w", err)
		}
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL(env)+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := broker.MapHTTPStatus(resp.StatusCode, respBody, resp.Header.Get("Retry-After")); err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// get issues a read with the shorter read deadline.
func (c *Client) get(ctx context.Context, env domain.Environment, path, token string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	if len(query) > 0 {
		path = path + "?" + query.Encode()
	}
	return c.do(ctx, env, http.MethodGet, path, token, nil, out)
}

func orUnspecified(s string) string {
	if s == "" {
		return "unspecified failure"
	}
	return s
}
