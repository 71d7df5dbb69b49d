package tradex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jtradehq/jtrade/internal/broker"
	"github.com/jtradehq/jtrade/internal/domain"
)

// Adapter implements domain.BrokerAdapter over the Tradex REST API.
type Adapter struct {
	client    *Client
	contracts *broker.ContractCache
}

// NewAdapter wires an adapter over an authenticated client.
func NewAdapter(client *Client) *Adapter {
	return &Adapter{
		client:    client,
		contracts: broker.NewContractCache(),
	}
}

// Broker identifies this adapter's variant.
func (a *Adapter) Broker() domain.Broker { return domain.BrokerTradex }

// ResolveContract looks up tick metadata for a symbol, memoized for the
// session.
func (a *Adapter) ResolveContract(ctx context.Context, ref domain.AccountRef, symbol string) (domain.Contract, error) {
	if c, ok := a.contracts.Get(symbol); ok {
		return c, nil
	}

	var resp apiContract
	q := url.Values{"name": {symbol}}
	if err := a.client.get(ctx, ref.Environment, "/contract/find", ref.Auth.AccessToken, q, &resp); err != nil {
		return domain.Contract{}, fmt.Errorf("tradex: resolve contract %s: %w", symbol, err)
	}
	if resp.ID == "" || resp.TickSize <= 0 {
		return domain.Contract{}, fmt.Errorf("tradex: resolve contract %s: %w", symbol,
			&domain.BrokerRejectedError{Reason: "unknown contract"})
	}

	c := resp.toDomain()
	a.contracts.Put(c)
	return c, nil
}

// PlaceMarket submits a market order and returns the broker order id.
func (a *Adapter) PlaceMarket(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, map[string]any{
		"account":   ref.Subaccount,
		"symbol":    symbol,
		"action":    actionFromSide(side),
		"orderQty":  qty,
		"orderType": "Market",
		"clOrdId":   clientOrderID,
	})
}

// PlaceLimit submits a limit order.
func (a *Adapter) PlaceLimit(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, limit float64, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, map[string]any{
		"account":   ref.Subaccount,
		"symbol":    symbol,
		"action":    actionFromSide(side),
		"orderQty":  qty,
		"orderType": "Limit",
		"price":     limit,
		"clOrdId":   clientOrderID,
	})
}

// PlaceStop submits a stop-market order.
func (a *Adapter) PlaceStop(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, stop float64, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, map[string]any{
		"account":   ref.Subaccount,
		"symbol":    symbol,
		"action":    actionFromSide(side),
		"orderQty":  qty,
		"orderType": "Stop",
		"stopPrice": stop,
		"clOrdId":   clientOrderID,
	})
}

// PlaceStopLimit submits a stop-limit order.
func (a *Adapter) PlaceStopLimit(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, stop, limit float64, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, map[string]any{
		"account":   ref.Subaccount,
		"symbol":    symbol,
		"action":    actionFromSide(side),
		"orderQty":  qty,
		"orderType": "StopLimit",
		"stopPrice": stop,
		"price":     limit,
		"clOrdId":   clientOrderID,
	})
}

// PlaceTrailingStop submits a trailing stop; the trail distance is in
// points per the platform convention.
func (a *Adapter) PlaceTrailingStop(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, trailPoints float64, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, map[string]any{
		"account":       ref.Subaccount,
		"symbol":        symbol,
		"action":        actionFromSide(side),
		"orderQty":      qty,
		"orderType":     "TrailingStop",
		"pegDifference": trailPoints,
		"clOrdId":       clientOrderID,
	})
}

// PlaceBracket submits a market entry with attached exit legs as one
// atomic command. Leg distances arrive in points and are applied by the
// broker relative to the actual fill.
func (a *Adapter) PlaceBracket(ctx context.Context, ref domain.AccountRef, spec domain.BracketSpec) (domain.BracketResult, error) {
	legs := make([]map[string]any, 0, len(spec.Legs))
	for _, leg := range spec.Legs {
		legs = append(legs, map[string]any{
			"qty":          leg.Qty,
			"profitTarget": leg.Distance,
		})
	}

	body := map[string]any{
		"account":  ref.Subaccount,
		"symbol":   spec.Symbol,
		"action":   actionFromSide(spec.Side),
		"orderQty": spec.Qty,
		"clOrdId":  spec.ClientOrderID,
		"brackets": legs,
	}
	if spec.Stop != nil {
		stop := map[string]any{"stopLoss": spec.Stop.Distance}
		if spec.Stop.Kind == domain.StopTrailing {
			stop["trailingTrigger"] = spec.Stop.TrailTrigger
			stop["trailingStep"] = spec.Stop.TrailStep
		}
		body["stop"] = stop
	}

	var resp apiBracketResult
	if err := a.client.do(ctx, ref.Environment, http.MethodPost, "/order/placebracket", ref.Auth.AccessToken, body, &resp); err != nil {
		return domain.BracketResult{}, fmt.Errorf("tradex: place bracket: %w", err)
	}
	if resp.rejected() {
		return domain.BracketResult{}, fmt.Errorf("tradex: place bracket: %w",
			&domain.BrokerRejectedError{Reason: orUnspecified(resp.FailureText)})
	}

	return domain.BracketResult{
		BracketID:    resp.BracketID,
		EntryOrderID: resp.EntryOrderID,
		TPOrderIDs:   resp.TPOrderIDs,
		SLOrderID:    resp.SLOrderID,
	}, nil
}

// CancelOrder cancels one working order.
func (a *Adapter) CancelOrder(ctx context.Context, ref domain.AccountRef, orderID string) error {
	var resp apiResult
	body := map[string]any{"orderId": orderID}
	if err := a.client.do(ctx, ref.Environment, http.MethodPost, "/order/cancelorder", ref.Auth.AccessToken, body, &resp); err != nil {
		return fmt.Errorf("tradex: cancel order %s: %w", orderID, err)
	}
	if resp.rejected() {
		return fmt.Errorf("tradex: cancel order %s: %w", orderID,
			&domain.BrokerRejectedError{Reason: orUnspecified(resp.FailureText)})
	}
	return nil
}

// ModifyOrder applies a partial update. The broker may acknowledge
// without applying, so callers verify by re-reading.
func (a *Adapter) ModifyOrder(ctx context.Context, ref domain.AccountRef, orderID string, mod domain.OrderModify) error {
	body := map[string]any{"orderId": orderID}
	if mod.Qty != nil {
		body["orderQty"] = *mod.Qty
	}
	if mod.LimitPrice != nil {
		body["price"] = *mod.LimitPrice
	}
	if mod.StopPrice != nil {
		body["stopPrice"] = *mod.StopPrice
	}

	var resp apiResult
	if err := a.client.do(ctx, ref.Environment, http.MethodPost, "/order/modifyorder", ref.Auth.AccessToken, body, &resp); err != nil {
		return fmt.Errorf("tradex: modify order %s: %w", orderID, err)
	}
	if resp.rejected() {
		return fmt.Errorf("tradex: modify order %s: %w", orderID,
			&domain.BrokerRejectedError{Reason: orUnspecified(resp.FailureText)})
	}
	return nil
}

// ListPositions returns the live positions for the ref's subaccount.
func (a *Adapter) ListPositions(ctx context.Context, ref domain.AccountRef) ([]domain.BrokerPosition, error) {
	var resp []apiPosition
	q := url.Values{"account": {ref.Subaccount}}
	if err := a.client.get(ctx, ref.Environment, "/position/list", ref.Auth.AccessToken, q, &resp); err != nil {
		return nil, fmt.Errorf("tradex: list positions: %w", err)
	}
	out := make([]domain.BrokerPosition, 0, len(resp))
	for _, p := range resp {
		out = append(out, p.toDomain())
	}
	return out, nil
}

// ListOpenOrders returns working orders for the ref's subaccount.
func (a *Adapter) ListOpenOrders(ctx context.Context, ref domain.AccountRef) ([]domain.Order, error) {
	var resp []apiOrder
	q := url.Values{"account": {ref.Subaccount}}
	if err := a.client.get(ctx, ref.Environment, "/order/list", ref.Auth.AccessToken, q, &resp); err != nil {
		return nil, fmt.Errorf("tradex: list orders: %w", err)
	}
	out := make([]domain.Order, 0, len(resp))
	for _, o := range resp {
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

func (a *Adapter) placeOrder(ctx context.Context, ref domain.AccountRef, body map[string]any) (string, error) {
	var resp apiOrderResult
	if err := a.client.do(ctx, ref.Environment, http.MethodPost, "/order/placeorder", ref.Auth.AccessToken, body, &resp); err != nil {
		return "", fmt.Errorf("tradex: place order: %w", err)
	}
	if resp.rejected() || resp.OrderID == "" {
		return "", fmt.Errorf("tradex: place order: %w",
			&domain.BrokerRejectedError{Reason: orUnspecified(resp.FailureText)})
	}
	return resp.OrderID, nil
}

var _ domain.BrokerAdapter = (*Adapter)(nil)
