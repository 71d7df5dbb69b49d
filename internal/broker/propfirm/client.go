// Package propfirm implements the prop-firm gateway broker: long-lived
// API key auth, REST order placement over resty, and a
// record-separator-framed streaming protocol.
package propfirm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jtradehq/jtrade/internal/broker"
	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/domain"
)

// Adapter implements domain.BrokerAdapter over the prop-firm gateway
// REST API.
type Adapter struct {
	http      *resty.Client
	gate      domain.RateGate
	contracts *broker.ContractCache
	logger    *slog.Logger
}

// NewAdapter builds the gateway adapter. Transport-level 5xx retries
// are handled by resty; semantic retries stay with the caller.
func NewAdapter(cfg config.BrokerConfig, gate domain.RateGate, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(60 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Adapter{
		http:      httpClient,
		gate:      gate,
		contracts: broker.NewContractCache(),
		logger:    logger.With(slog.String("component", "propfirm")),
	}
}

// Broker identifies this adapter's variant.
func (a *Adapter) Broker() domain.Broker { return domain.BrokerPropfirm }

// request prepares an authenticated request after passing the shared
// per-key budget.
func (a *Adapter) request(ctx context.Context, ref domain.AccountRef) (*resty.Request, error) {
	if a.gate != nil {
		if err := a.gate.Wait(ctx, broker.TokenKey(ref)); err != nil {
			return nil, fmt.Errorf("rate gate: %w", err)
		}
	}
	return a.http.R().
		SetContext(ctx).
		SetHeader("X-API-Key", ref.Auth.APIKey), nil
}

// envelope is any response shape carrying the shared rejection field.
type envelope interface{ errorText() string }

// decode maps the response to the structured error kinds, then
// unmarshals the JSON body itself: the gateway labels responses
// text/plain, which defeats resty's content-type-gated auto-unmarshal.
// A 2xx body carrying errorText is a rejection.
func decode(resp *resty.Response, err error, out envelope) error {
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnreachable, err)
	}
	if mapped := broker.MapHTTPStatus(resp.StatusCode(), resp.Body(), resp.Header().Get("Retry-After")); mapped != nil {
		return mapped
	}
	if len(resp.Body()) > 0 {
		if uerr := json.Unmarshal(resp.Body(), out); uerr != nil {
			return fmt.Errorf("%w: decode response: %v", domain.ErrBrokerUnreachable, uerr)
		}
	}
	if reason := out.errorText(); reason != "" {
		return &domain.BrokerRejectedError{Reason: reason}
	}
	return nil
}
