// Package equitix implements the equity/options broker: HMAC-SHA256
// signed REST with no streaming. The reconciler is this broker's
// consistency fallback.
package equitix

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
	"github.com/jtradehq/jtrade/internal/crypto"
	"github.com/jtradehq/jtrade/internal/domain"
)

const (
	writeTimeout = 60 * time.Second
	readTimeout  = 30 * time.Second
)

// Adapter implements domain.BrokerAdapter over the Equitix REST API.
// Every request is signed with the account's API key/secret pair.
type Adapter struct {
	baseURL    string
	demoURL    string
	httpClient *http.Client
	gate       domain.RateGate
	contracts  *broker.ContractCache
	logger     *slog.Logger
}

// NewAdapter builds the Equitix adapter.
func NewAdapter(cfg config.BrokerConfig, gate domain.RateGate, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	demo := cfg.DemoURL
	if demo == "" {
		demo = cfg.BaseURL
	}
	return &Adapter{
		baseURL:    cfg.BaseURL,
		demoURL:    demo,
		httpClient: &http.Client{Timeout: writeTimeout},
		gate:       gate,
		contracts:  broker.NewContractCache(),
		logger:     logger.With(slog.String("component", "equitix")),
	}
}

// Broker identifies this adapter's variant.
func (a *Adapter) Broker() domain.Broker { return domain.BrokerEquitix }

// ResolveContract looks up symbol metadata, memoized for the session.
func (a *Adapter) ResolveContract(ctx context.Context, ref domain.AccountRef, symbol string) (domain.Contract, error) {
	if c, ok := a.contracts.Get(symbol); ok {
		return c, nil
	}

	var resp struct {
		apiEnvelope
		SymbolID  string  `json:"symbolId"`
		Symbol    string  `json:"symbol"`
		TickSize  float64 `json:"tickSize"`
		TickValue float64 `json:"tickValue"`
	}
	path := "/v1/symbols/" + url.PathEscape(symbol)
	if err := a.doRead(ctx, ref, http.MethodGet, path, nil, &resp); err != nil {
		return domain.Contract{}, fmt.Errorf("equitix: resolve contract %s: %w", symbol, err)
	}
	if resp.SymbolID == "" || resp.TickSize <= 0 {
		return domain.Contract{}, fmt.Errorf("equitix: resolve contract %s: %w", symbol,
			&domain.BrokerRejectedError{Reason: "unknown symbol"})
	}

	c := domain.Contract{
		ID:        resp.SymbolID,
		Symbol:    resp.Symbol,
		TickSize:  resp.TickSize,
		TickValue: resp.TickValue,
	}
	a.contracts.Put(c)
	return c, nil
}

// PlaceMarket submits a market order.
func (a *Adapter) PlaceMarket(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, orderRequest{
		Account:       ref.Subaccount,
		Symbol:        symbol,
		Side:          string(side),
		Type:          string(domain.OrderMarket),
		Qty:           qty,
		ClientOrderID: clientOrderID,
	})
}

// PlaceLimit submits a limit order.
func (a *Adapter) PlaceLimit(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, limit float64, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, orderRequest{
		Account:       ref.Subaccount,
		Symbol:        symbol,
		Side:          string(side),
		Type:          string(domain.OrderLimit),
		Qty:           qty,
		LimitPrice:    limit,
		ClientOrderID: clientOrderID,
	})
}

// PlaceStop submits a stop-market order.
func (a *Adapter) PlaceStop(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, stop float64, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, orderRequest{
		Account:       ref.Subaccount,
		Symbol:        symbol,
		Side:          string(side),
		Type:          string(domain.OrderStop),
		Qty:           qty,
		StopPrice:     stop,
		ClientOrderID: clientOrderID,
	})
}

// PlaceStopLimit submits a stop-limit order.
func (a *Adapter) PlaceStopLimit(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, stop, limit float64, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, orderRequest{
		Account:       ref.Subaccount,
		Symbol:        symbol,
		Side:          string(side),
		Type:          string(domain.OrderStopLimit),
		Qty:           qty,
		StopPrice:     stop,
		LimitPrice:    limit,
		ClientOrderID: clientOrderID,
	})
}

// PlaceTrailingStop submits a trailing stop, trail distance in points.
func (a *Adapter) PlaceTrailingStop(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, trailPoints float64, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, orderRequest{
		Account:       ref.Subaccount,
		Symbol:        symbol,
		Side:          string(side),
		Type:          string(domain.OrderTrailingStop),
		Qty:           qty,
		TrailDistance: trailPoints,
		ClientOrderID: clientOrderID,
	})
}

// PlaceBracket submits a market entry with attached exits. Equitix has
// no native bracket command, so the adapter places the entry and then
// the exit legs individually; a failed leg aborts with the entry id in
// the partial result.
func (a *Adapter) PlaceBracket(ctx context.Context, ref domain.AccountRef, spec domain.BracketSpec) (domain.BracketResult, error) {
	entryID, err := a.PlaceMarket(ctx, ref, spec.Symbol, spec.Side, spec.Qty, spec.ClientOrderID)
	if err != nil {
		return domain.BracketResult{}, fmt.Errorf("equitix: place bracket entry: %w", err)
	}
	result := domain.BracketResult{EntryOrderID: entryID, BracketID: entryID}

	// Exit prices need the actual fill; read it back with a short poll.
	entry, err := a.awaitFill(ctx, ref, entryID)
	if err != nil {
		return result, fmt.Errorf("equitix: place bracket: read entry fill: %w", err)
	}

	contract, err := a.ResolveContract(ctx, ref, spec.Symbol)
	if err != nil {
		return result, err
	}

	exitSide := spec.Side.Opposite()
	dir := +1
	if spec.Side == domain.OrderSell {
		dir = -1
	}

	for i, leg := range spec.Legs {
		price := broker.OffsetPrice(entry.AvgFillPrice, leg.Distance, dir, contract.TickSize)
		clID := spec.ClientOrderID + fmt.Sprintf("-tp%d", i+1)
		tpID, err := a.PlaceLimit(ctx, ref, spec.Symbol, exitSide, leg.Qty, price, clID)
		if err != nil {
			return result, fmt.Errorf("equitix: place bracket tp leg %d: %w", i+1, err)
		}
		result.TPOrderIDs = append(result.TPOrderIDs, tpID)
	}

	if spec.Stop != nil {
		var slID string
		clID := spec.ClientOrderID + "-sl"
		if spec.Stop.Kind == domain.StopTrailing {
			slID, err = a.PlaceTrailingStop(ctx, ref, spec.Symbol, exitSide, spec.Qty, spec.Stop.Distance, clID)
		} else {
			price := broker.OffsetPrice(entry.AvgFillPrice, spec.Stop.Distance, -dir, contract.TickSize)
			slID, err = a.PlaceStop(ctx, ref, spec.Symbol, exitSide, spec.Qty, price, clID)
		}
		if err != nil {
			return result, fmt.Errorf("equitix: place bracket stop: %w", err)
		}
		result.SLOrderID = slID
	}
	return result, nil
}

// CancelOrder cancels one working order.
func (a *Adapter) CancelOrder(ctx context.Context, ref domain.AccountRef, orderID string) error {
	var resp apiEnvelope
	path := "/v1/orders/" + url.PathEscape(orderID)
	if err := a.doSigned(ctx, ref, http.MethodDelete, path, nil, &resp); err != nil {
		return fmt.Errorf("equitix: cancel order %s: %w", orderID, err)
	}
	return nil
}

// ModifyOrder applies a partial update; advisory only.
func (a *Adapter) ModifyOrder(ctx context.Context, ref domain.AccountRef, orderID string, mod domain.OrderModify) error {
	body := map[string]any{}
	if mod.Qty != nil {
		body["qty"] = *mod.Qty
	}
	if mod.LimitPrice != nil {
		body["limitPrice"] = *mod.LimitPrice
	}
	if mod.StopPrice != nil {
		body["stopPrice"] = *mod.StopPrice
	}

	var resp apiEnvelope
	path := "/v1/orders/" + url.PathEscape(orderID)
	if err := a.doSigned(ctx, ref, http.MethodPatch, path, body, &resp); err != nil {
		return fmt.Errorf("equitix: modify order %s: %w", orderID, err)
	}
	return nil
}

// ListPositions returns live positions for the ref's subaccount.
func (a *Adapter) ListPositions(ctx context.Context, ref domain.AccountRef) ([]domain.BrokerPosition, error) {
	var resp struct {
		apiEnvelope
		Positions []struct {
			Account  string  `json:"account"`
			Symbol   string  `json:"symbol"`
			Qty      int     `json:"qty"`
			AvgPrice float64 `json:"avgPrice"`
		} `json:"positions"`
	}
	path := "/v1/positions?account=" + url.QueryEscape(ref.Subaccount)
	if err := a.doRead(ctx, ref, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("equitix: list positions: %w", err)
	}

	out := make([]domain.BrokerPosition, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, domain.BrokerPosition{
			Subaccount: p.Account,
			Symbol:     p.Symbol,
			Qty:        p.Qty,
			AvgPrice:   p.AvgPrice,
		})
	}
	return out, nil
}

// ListOpenOrders returns working orders for the ref's subaccount.
func (a *Adapter) ListOpenOrders(ctx context.Context, ref domain.AccountRef) ([]domain.Order, error) {
	var resp struct {
		apiEnvelope
		Orders []apiOrder `json:"orders"`
	}
	path := "/v1/orders?status=working&account=" + url.QueryEscape(ref.Subaccount)
	if err := a.doRead(ctx, ref, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("equitix: list orders: %w", err)
	}

	out := make([]domain.Order, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		d := o.toDomain()
		if d.Status != domain.OrderWorking {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Flatten cancels working orders on the symbol and market-closes the
// net position.
func (a *Adapter) Flatten(ctx context.Context, ref domain.AccountRef, symbol string) error {
	return broker.FlattenSymbol(ctx, a, ref, symbol)
}

func (a *Adapter) placeOrder(ctx context.Context, ref domain.AccountRef, req orderRequest) (string, error) {
	var resp struct {
		apiEnvelope
		OrderID string `json:"orderId"`
	}
	if err := a.doSigned(ctx, ref, http.MethodPost, "/v1/orders", req, &resp); err != nil {
		return "", fmt.Errorf("equitix: place order: %w", err)
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("equitix: place order: %w",
			&domain.BrokerRejectedError{Reason: "missing order id in response"})
	}
	return resp.OrderID, nil
}

// awaitFill polls an order until it reports a fill price. Equitix has
// no push channel, so bracket exit placement reads the entry back.
func (a *Adapter) awaitFill(ctx context.Context, ref domain.AccountRef, orderID string) (domain.Order, error) {
	var last domain.Order
	for i := 0; i < 10; i++ {
		var resp struct {
			apiEnvelope
			Order apiOrder `json:"order"`
		}
		path := "/v1/orders/" + url.PathEscape(orderID)
		if err := a.doRead(ctx, ref, http.MethodGet, path, nil, &resp); err != nil {
			return domain.Order{}, err
		}
		last = resp.Order.toDomain()
		if last.Status == domain.OrderFilled && last.AvgFillPrice > 0 {
			return last, nil
		}
		if last.Status == domain.OrderRejected || last.Status == domain.OrderCancelled {
			return last, &domain.BrokerRejectedError{Reason: "entry " + string(last.Status)}
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return last, fmt.Errorf("%w: entry %s never reported filled", domain.ErrTimeout, orderID)
}

// doRead issues a signed read with the shorter read deadline.
func (a *Adapter) doRead(ctx context.Context, ref domain.AccountRef, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	return a.doSigned(ctx, ref, method, path, body, out)
}

// doSigned sends one HMAC-signed request and decodes the response. The
// envelope's errorText is checked so 2xx declines surface as
// rejections.
func (a *Adapter) doSigned(ctx context.Context, ref domain.AccountRef, method, path string, body, out any) error {
	if a.gate != nil {
		if err := a.gate.Wait(ctx, broker.TokenKey(ref)); err != nil {
			return fmt.Errorf("rate gate: %w", err)
		}
	}

	var bodyStr string
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(data)
		bodyReader = bytes.NewReader(data)
	}

	base := a.baseURL
	if ref.Environment == domain.EnvDemo {
		base = a.demoURL
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	auth := crypto.HMACAuth{Key: ref.Auth.APIKey, Secret: ref.Auth.APISecret}
	for k, v := range auth.Headers(method, path, bodyStr) {
		req.Header.Set(k, v)
	}

	resp, err := a.httpClient.Do(req)
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

	var env apiEnvelope
	if err := json.Unmarshal(respBody, &env); err == nil && env.ErrorText != "" {
		return &domain.BrokerRejectedError{Reason: env.ErrorText}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

var _ domain.BrokerAdapter = (*Adapter)(nil)
