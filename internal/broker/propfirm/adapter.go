package propfirm

import (
	"context"
	"fmt"

	"github.com/jtradehq/jtrade/internal/broker"
	"github.com/jtradehq/jtrade/internal/domain"
)

// ResolveContract looks up tick metadata, memoized for the session.
func (a *Adapter) ResolveContract(ctx context.Context, ref domain.AccountRef, symbol string) (domain.Contract, error) {
	if c, ok := a.contracts.Get(symbol); ok {
		return c, nil
	}

	req, err := a.request(ctx, ref)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("propfirm: resolve contract %s: %w", symbol, err)
	}

	var result apiContract
	resp, err := req.Get("/contracts/" + symbol)
	if err := decode(resp, err, &result); err != nil {
		return domain.Contract{}, fmt.Errorf("propfirm: resolve contract %s: %w", symbol, err)
	}
	if result.ContractID == "" || result.TickSize <= 0 {
		return domain.Contract{}, fmt.Errorf("propfirm: resolve contract %s: %w", symbol,
			&domain.BrokerRejectedError{Reason: "unknown contract"})
	}

	c := domain.Contract{
		ID:        result.ContractID,
		Symbol:    result.Symbol,
		TickSize:  result.TickSize,
		TickValue: result.TickValue,
	}
	a.contracts.Put(c)
	return c, nil
}

// PlaceMarket submits a market order.
func (a *Adapter) PlaceMarket(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, map[string]any{
		"account":       ref.Subaccount,
		"symbol":        symbol,
		"side":          string(side),
		"type":          string(domain.OrderMarket),
		"qty":           qty,
		"clientOrderId": clientOrderID,
	})
}

// PlaceLimit submits a limit order.
func (a *Adapter) PlaceLimit(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, limit float64, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, map[string]any{
		"account":       ref.Subaccount,
		"symbol":        symbol,
		"side":          string(side),
		"type":          string(domain.OrderLimit),
		"qty":           qty,
		"limitPrice":    limit,
		"clientOrderId": clientOrderID,
	})
}

// PlaceStop submits a stop-market order.
func (a *Adapter) PlaceStop(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, stop float64, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, map[string]any{
		"account":       ref.Subaccount,
		"symbol":        symbol,
		"side":          string(side),
		"type":          string(domain.OrderStop),
		"qty":           qty,
		"stopPrice":     stop,
		"clientOrderId": clientOrderID,
	})
}

// PlaceStopLimit submits a stop-limit order.
func (a *Adapter) PlaceStopLimit(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, stop, limit float64, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, map[string]any{
		"account":       ref.Subaccount,
		"symbol":        symbol,
		"side":          string(side),
		"type":          string(domain.OrderStopLimit),
		"qty":           qty,
		"stopPrice":     stop,
		"limitPrice":    limit,
		"clientOrderId": clientOrderID,
	})
}

// PlaceTrailingStop submits a trailing stop with the trail distance in
// points.
func (a *Adapter) PlaceTrailingStop(ctx context.Context, ref domain.AccountRef, symbol string, side domain.OrderSide, qty int, trailPoints float64, clientOrderID string) (string, error) {
	return a.placeOrder(ctx, ref, map[string]any{
		"account":       ref.Subaccount,
		"symbol":        symbol,
		"side":          string(side),
		"type":          string(domain.OrderTrailingStop),
		"qty":           qty,
		"trailDistance": trailPoints,
		"clientOrderId": clientOrderID,
	})
}

// PlaceBracket submits a market entry with attached exits atomically.
func (a *Adapter) PlaceBracket(ctx context.Context, ref domain.AccountRef, spec domain.BracketSpec) (domain.BracketResult, error) {
	legs := make([]map[string]any, 0, len(spec.Legs))
	for _, leg := range spec.Legs {
		legs = append(legs, map[string]any{
			"qty":      leg.Qty,
			"distance": leg.Distance,
		})
	}
	body := map[string]any{
		"account":       ref.Subaccount,
		"symbol":        spec.Symbol,
		"side":          string(spec.Side),
		"qty":           spec.Qty,
		"clientOrderId": spec.ClientOrderID,
		"takeProfits":   legs,
	}
	if spec.Stop != nil {
		stop := map[string]any{
			"kind":     string(spec.Stop.Kind),
			"distance": spec.Stop.Distance,
		}
		if spec.Stop.Kind == domain.StopTrailing {
			stop["trailTrigger"] = spec.Stop.TrailTrigger
			stop["trailStep"] = spec.Stop.TrailStep
		}
		body["stopLoss"] = stop
	}

	req, err := a.request(ctx, ref)
	if err != nil {
		return domain.BracketResult{}, fmt.Errorf("propfirm: place bracket: %w", err)
	}

	var result apiBracketResult
	resp, err := req.SetBody(body).Post("/orders/bracket")
	if err := decode(resp, err, &result); err != nil {
		return domain.BracketResult{}, fmt.Errorf("propfirm: place bracket: %w", err)
	}

	return domain.BracketResult{
		BracketID:    result.BracketID,
		EntryOrderID: result.EntryOrderID,
		TPOrderIDs:   result.TPOrderIDs,
		SLOrderID:    result.SLOrderID,
	}, nil
}

// CancelOrder cancels one working order.
func (a *Adapter) CancelOrder(ctx context.Context, ref domain.AccountRef, orderID string) error {
	req, err := a.request(ctx, ref)
	if err != nil {
		return fmt.Errorf("propfirm: cancel order %s: %w", orderID, err)
	}

	var result apiEnvelope
	resp, err := req.Delete("/orders/" + orderID)
	if err := decode(resp, err, &result); err != nil {
		return fmt.Errorf("propfirm: cancel order %s: %w", orderID, err)
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

	req, err := a.request(ctx, ref)
	if err != nil {
		return fmt.Errorf("propfirm: modify order %s: %w", orderID, err)
	}

	var result apiEnvelope
	resp, err := req.SetBody(body).Patch("/orders/" + orderID)
	if err := decode(resp, err, &result); err != nil {
		return fmt.Errorf("propfirm: modify order %s: %w", orderID, err)
	}
	return nil
}

// ListPositions returns live positions for the ref's subaccount.
func (a *Adapter) ListPositions(ctx context.Context, ref domain.AccountRef) ([]domain.BrokerPosition, error) {
	req, err := a.request(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("propfirm: list positions: %w", err)
	}

	var result apiPositionList
	resp, err := req.SetQueryParam("account", ref.Subaccount).Get("/positions")
	if err := decode(resp, err, &result); err != nil {
		return nil, fmt.Errorf("propfirm: list positions: %w", err)
	}

	out := make([]domain.BrokerPosition, 0, len(result.Positions))
	for _, p := range result.Positions {
		out = append(out, domain.BrokerPosition{
			Subaccount: p.Account,
			Symbol:     p.Symbol,
			Qty:        p.NetQty,
			AvgPrice:   p.AvgPrice,
		})
	}
	return out, nil
}

// ListOpenOrders returns working orders for the ref's subaccount.
func (a *Adapter) ListOpenOrders(ctx context.Context, ref domain.AccountRef) ([]domain.Order, error) {
	req, err := a.request(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("propfirm: list orders: %w", err)
	}

	var result apiOrderList
	resp, err := req.
		SetQueryParam("account", ref.Subaccount).
		SetQueryParam("status", "working").
		Get("/orders")
	if err := decode(resp, err, &result); err != nil {
		return nil, fmt.Errorf("propfirm: list orders: %w", err)
	}

	out := make([]domain.Order, 0, len(result.Orders))
	for _, o := range result.Orders {
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
	req, err := a.request(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("propfirm: place order: %w", err)
	}

	var result apiOrderResult
	resp, err := req.SetBody(body).Post("/orders")
	if err := decode(resp, err, &result); err != nil {
		return "", fmt.Errorf("propfirm: place order: %w", err)
	}
	if result.OrderID == "" {
		return "", fmt.Errorf("propfirm: place order: %w",
			&domain.BrokerRejectedError{Reason: "missing order id in response"})
	}
	return result.OrderID, nil
}

var _ domain.BrokerAdapter = (*Adapter)(nil)
