package engine

import (
	"context"
	"strings"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

// Snapshot is the broker-side view of one account+symbol.
type Snapshot struct {
	Qty      int            // signed net quantity, 0 when flat
	AvgPrice float64        // broker-reported weighted average entry
	Orders   []domain.Order // working orders on the symbol
}

// HasRestingTP reports whether a reduce-side limit order is working,
// which is how a take-profit rests on every supported broker.
func (s Snapshot) HasRestingTP(side domain.Side) bool {
	exit := domain.OrderSell
	if side == domain.SideShort {
		exit = domain.OrderBuy
	}
	for _, o := range s.Orders {
		if o.Type == domain.OrderLimit && o.Side == exit {
			return true
		}
	}
	return false
}

// Inspect reads the live broker state for the account+symbol: net
// quantity, average entry, and working orders on the symbol.
func (e *Engine) Inspect(ctx context.Context, cfg domain.Effective) (Snapshot, error) {
	s, err := e.newSession(ctx, cfg, "inspect", "", domain.OrderPrefixManual)
	if err != nil {
		return Snapshot{}, err
	}
	return e.inspect(ctx, s)
}

func (e *Engine) inspect(ctx context.Context, s *session) (Snapshot, error) {
	var snap Snapshot

	var positions []domain.BrokerPosition
	err := e.call(ctx, s, "list positions", func(ctx context.Context, ref domain.AccountRef) error {
		var lerr error
		positions, lerr = s.adapter.ListPositions(ctx, ref)
		return lerr
	})
	if err != nil {
		return snap, err
	}
	for _, p := range positions {
		if !strings.EqualFold(p.Symbol, s.cfg.Symbol) {
			continue
		}
		if s.ref.Subaccount != "" && p.Subaccount != "" && p.Subaccount != s.ref.Subaccount {
			continue
		}
		snap.Qty += p.Qty
		if p.Qty != 0 && snap.AvgPrice == 0 {
			snap.AvgPrice = p.AvgPrice
		}
	}

	var orders []domain.Order
	err = e.call(ctx, s, "list orders", func(ctx context.Context, ref domain.AccountRef) error {
		var lerr error
		orders, lerr = s.adapter.ListOpenOrders(ctx, ref)
		return lerr
	})
	if err != nil {
		return snap, err
	}
	for _, o := range orders {
		if strings.EqualFold(o.Symbol, s.cfg.Symbol) {
			snap.Orders = append(snap.Orders, o)
		}
	}
	return snap, nil
}

// Flatten cancels everything resting on the symbol and closes the live
// position at market, settling the trade and position records with the
// given exit reason. Flat positions only get the cancel pass.
func (e *Engine) Flatten(ctx context.Context, cfg domain.Effective, reason string) error {
	s, err := e.newSession(ctx, cfg, "flatten", "", domain.OrderPrefixManual)
	if err != nil {
		e.recordFailure(ctx, cfg, "flatten", err)
		return err
	}
	prev, err := e.brokerQty(ctx, s)
	if err != nil {
		e.recordFailure(ctx, cfg, "flatten", err)
		return err
	}
	if prev == 0 {
		if err := e.cancelResting(ctx, s); err != nil {
			e.recordFailure(ctx, cfg, "flatten", err)
			return err
		}
		return nil
	}
	if err := e.closeAll(ctx, s, prev, 0, reason); err != nil {
		e.recordFailure(ctx, cfg, "flatten", err)
		return err
	}
	return nil
}

// PlaceMissingTPs rests the strategy's take-profit legs for an open
// trade that has none working, priced from the broker average entry.
// Callers must have verified no TP is resting; the cancel half of the
// replace is a no-op because the recorded ids are already gone.
func (e *Engine) PlaceMissingTPs(ctx context.Context, cfg domain.Effective, trade domain.Trade, avg float64) error {
	if len(cfg.TPLegs) == 0 {
		return nil
	}
	s, err := e.newSession(ctx, cfg, "auto_tp", "", domain.OrderPrefixManual)
	if err != nil {
		e.recordFailure(ctx, cfg, "auto_tp", err)
		return err
	}
	// Drop the stale recorded ids so replaceTPs does not cancel-spin
	// on orders the broker no longer knows.
	stale := trade
	stale.TPOrderID = ""
	if err := e.replaceTPs(ctx, s, stale, true, trade.Side, trade.Qty, avg); err != nil {
		e.recordFailure(ctx, cfg, "auto_tp", err)
		return err
	}
	return nil
}

// ResolveContractFor resolves contract metadata outside a transition,
// for listeners that price fills. Callers cache the result.
func (e *Engine) ResolveContractFor(ctx context.Context, accountID int64, symbol string) (domain.Contract, error) {
	s, err := e.newSession(ctx, domain.Effective{AccountID: accountID, Symbol: symbol}, "resolve", "", domain.OrderPrefixManual)
	if err != nil {
		return domain.Contract{}, err
	}
	return s.contract, nil
}

// SetTradeQty records a broker-verified quantity on an open trade.
func (e *Engine) SetTradeQty(ctx context.Context, tradeID int64, qty int) error {
	return e.store.UpdateTradeQty(ctx, tradeID, qty)
}

// CloseTradeRecord settles a trade record without touching the broker,
// for records whose position is already gone on the broker side.
func (e *Engine) CloseTradeRecord(ctx context.Context, trade domain.Trade, reason string) error {
	if err := e.store.CloseTrade(ctx, trade.ID, trade.EntryPrice, reason, 0); err != nil {
		return err
	}
	pos, err := e.store.GetPosition(ctx, trade.StrategyID, trade.AccountID, trade.Symbol)
	if err == nil && pos.Open {
		return e.store.ClosePosition(ctx, pos.ID, time.Now().UTC())
	}
	return nil
}
