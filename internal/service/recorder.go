// Package service keeps the store synchronized with the broker streams.
// A recorder listens on every account an enabled trader points at and
// settles trade records the moment their exit orders fill, so the store
// reflects broker reality without waiting for the reconciler.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jtradehq/jtrade/internal/broker"
	"github.com/jtradehq/jtrade/internal/domain"
)

// Store is the persistence surface the recorder reads and settles.
type Store interface {
	domain.AccountStore
	domain.TraderStore
	domain.TradeStore
	domain.PositionStore
}

// Contracts resolves contract metadata for pricing fills. The engine
// satisfies it.
type Contracts interface {
	ResolveContractFor(ctx context.Context, accountID int64, symbol string) (domain.Contract, error)
}

type recorderState struct {
	account  domain.Account
	tokenKey string
	regID    string
}

type equityState struct {
	day         string
	sessionOpen float64
	current     float64
}

// Recorder owns the per-account stream listeners and the live state
// they maintain: settled trades, position aggregates, equity gauges,
// and the liveness the reconciler consults before auto-placing TPs.
type Recorder struct {
	store     Store
	hub       domain.StreamHub
	bus       domain.EventBus
	contracts Contracts
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	recs      map[int64]*recorderState // account id -> state
	contractC map[string]domain.Contract
	equity    map[int64]*equityState
}

func NewRecorder(store Store, hub domain.StreamHub, bus domain.EventBus, contracts Contracts, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:     store,
		hub:       hub,
		bus:       bus,
		contracts: contracts,
		logger:    logger.With(slog.String("component", "recorder")),
		now:       time.Now,
		recs:      map[int64]*recorderState{},
		contractC: map[string]domain.Contract{},
		equity:    map[int64]*equityState{},
	}
}

// Start registers a recorder for every account an enabled trader uses.
func (r *Recorder) Start(ctx context.Context) error {
	return r.Refresh(ctx)
}

// Refresh re-derives the wanted account set and registers/unregisters
// the difference. Safe to call from the periodic job runner.
func (r *Recorder) Refresh(ctx context.Context) error {
	traders, err := r.store.ListEnabledTraders(ctx)
	if err != nil {
		return fmt.Errorf("recorder: list traders: %w", err)
	}
	wanted := map[int64]bool{}
	for _, t := range traders {
		wanted[t.AccountID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, st := range r.recs {
		if !wanted[id] {
			r.hub.Unregister(st.regID)
			delete(r.recs, id)
			r.logger.Info("recorder stopped", slog.Int64("account_id", id))
		}
	}
	for id := range wanted {
		if _, ok := r.recs[id]; ok {
			continue
		}
		if err := r.registerLocked(ctx, id); err != nil {
			r.logger.Error("recorder registration failed",
				slog.Int64("account_id", id),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Recorder) registerLocked(ctx context.Context, accountID int64) error {
	acct, err := r.store.GetAccountWithCredentials(ctx, accountID)
	if err != nil {
		return err
	}
	st := &recorderState{account: acct, tokenKey: broker.TokenKey(acct.Ref())}
	regID, err := r.hub.Register(domain.StreamSubscription{
		Broker:      acct.Broker,
		Environment: acct.Environment,
		TokenKey:    st.tokenKey,
		AccountID:   acct.ID,
		Subaccounts: []string{acct.Subaccount},
		Listener: func(ctx context.Context, ev domain.StreamEvent) {
			r.onEvent(ctx, st, ev)
		},
	})
	if err != nil {
		return err
	}
	st.regID = regID
	r.recs[accountID] = st
	r.logger.Info("recorder started",
		slog.Int64("account_id", accountID),
		slog.String("broker", string(acct.Broker)))
	return nil
}

// Stop unregisters every recorder.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range r.recs {
		r.hub.Unregister(st.regID)
		delete(r.recs, id)
	}
}

// Tracking reports whether a live recorder covers the account+symbol.
// Live means registered and the underlying connection is in the live
// state, so the reconciler can trust the real-time path.
func (r *Recorder) Tracking(accountID int64, _ string) bool {
	r.mu.Lock()
	st, ok := r.recs[accountID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	tok, ok := r.hub.Status().Tokens[st.tokenKey]
	return ok && tok.State == domain.ConnLive
}

// DailyDrawdown returns dollars of equity lost since the session-open
// balance snapshot, zero when flat or up.
func (r *Recorder) DailyDrawdown(accountID int64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	eq, ok := r.equity[accountID]
	if !ok || eq.sessionOpen == 0 {
		return 0
	}
	if dd := eq.sessionOpen - eq.current; dd > 0 {
		return dd
	}
	return 0
}

func (r *Recorder) onEvent(ctx context.Context, st *recorderState, ev domain.StreamEvent) {
	switch ev.Type {
	case domain.StreamFill:
		if ev.Fill != nil {
			r.handleFill(ctx, st, *ev.Fill)
		}
	case domain.StreamBalance:
		if ev.Balance != nil {
			r.handleBalance(st.account.ID, *ev.Balance)
		}
	case domain.StreamPosition:
		// Aggregates are fill-driven; snapshots go to monitoring.
		r.publish(ctx, domain.ChanStream, map[string]any{
			"type":       "position",
			"account_id": st.account.ID,
			"event":      ev.Position,
		})
	}
}

// handleFill settles the trade whose exit order just executed: a
// take-profit leg trims or closes with reason tp_fill, the stop closes
// with sl_fill, and the position aggregate absorbs the fill either way.
func (r *Recorder) handleFill(ctx context.Context, st *recorderState, fill domain.FillEvent) {
	trades, err := r.store.ListOpenTradesForAccount(ctx, st.account.ID, fill.Symbol)
	if err != nil {
		r.logger.Error("open-trade lookup failed",
			slog.Int64("account_id", st.account.ID),
			slog.String("error", err.Error()))
		return
	}

	for _, trade := range trades {
		switch {
		case hasOrderID(trade.TPOrderID, fill.OrderID):
			r.settleTP(ctx, st, trade, fill)
		case trade.SLOrderID != "" && trade.SLOrderID == fill.OrderID:
			r.settle(ctx, st, trade, fill, trade.Qty, domain.ExitSLFill)
		default:
			continue
		}
		return
	}
}

func (r *Recorder) settleTP(ctx context.Context, st *recorderState, trade domain.Trade, fill domain.FillEvent) {
	remaining := trade.Qty - fill.Qty
	if remaining <= 0 {
		r.settle(ctx, st, trade, fill, trade.Qty, domain.ExitTPFill)
		return
	}

	// Partial leg: shrink the record and forget the filled order id.
	if err := r.store.UpdateTradeQty(ctx, trade.ID, remaining); err != nil {
		r.logger.Error("trade trim failed", slog.Int64("trade_id", trade.ID), slog.String("error", err.Error()))
		return
	}
	rest := removeOrderID(trade.TPOrderID, fill.OrderID)
	if err := r.store.SetTradeExitOrders(ctx, trade.ID, rest, trade.SLOrderID); err != nil {
		r.logger.Error("exit-order update failed", slog.Int64("trade_id", trade.ID), slog.String("error", err.Error()))
	}
	r.applyToPosition(ctx, trade, fill)
	r.publish(ctx, domain.ChanExecutions, map[string]any{
		"type":       "tp_partial",
		"trade_id":   trade.ID,
		"account_id": trade.AccountID,
		"symbol":     trade.Symbol,
		"filled":     fill.Qty,
		"remaining":  remaining,
		"price":      fill.Price,
	})
}

func (r *Recorder) settle(ctx context.Context, st *recorderState, trade domain.Trade, fill domain.FillEvent, qty int, reason string) {
	pl := r.realized(ctx, st, trade, fill.Price, qty)
	if err := r.store.CloseTrade(ctx, trade.ID, fill.Price, reason, pl); err != nil {
		r.logger.Error("trade settle failed",
			slog.Int64("trade_id", trade.ID),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		return
	}
	r.applyToPosition(ctx, trade, fill)
	r.publish(ctx, domain.ChanExecutions, map[string]any{
		"type":        "trade_closed",
		"trade_id":    trade.ID,
		"account_id":  trade.AccountID,
		"symbol":      trade.Symbol,
		"reason":      reason,
		"exit_price":  fill.Price,
		"realized_pl": pl,
	})
	r.logger.Info("trade settled",
		slog.Int64("trade_id", trade.ID),
		slog.String("reason", reason),
		slog.Float64("realized_pl", pl))
}

func (r *Recorder) applyToPosition(ctx context.Context, trade domain.Trade, fill domain.FillEvent) {
	pos, err := r.store.GetPosition(ctx, trade.StrategyID, trade.AccountID, trade.Symbol)
	if err != nil {
		return
	}
	signed := fill.Qty
	if fill.Side == domain.OrderSell {
		signed = -signed
	}
	at := fill.At
	if at.IsZero() {
		at = r.now().UTC()
	}
	pos.ApplyFill(signed, fill.Price, at)
	if err := r.store.UpsertPosition(ctx, &pos); err != nil {
		r.logger.Error("position update failed",
			slog.Int64("account_id", trade.AccountID),
			slog.String("error", err.Error()))
	}
}

func (r *Recorder) handleBalance(accountID int64, ev domain.BalanceEvent) {
	day := r.now().UTC().Format("2006-01-02")
	r.mu.Lock()
	defer r.mu.Unlock()
	eq, ok := r.equity[accountID]
	if !ok || eq.day != day {
		eq = &equityState{day: day, sessionOpen: ev.Equity}
		r.equity[accountID] = eq
	}
	eq.current = ev.Equity
}

// realized prices the close in dollars via contract metadata, falling
// back to zero when resolution fails.
func (r *Recorder) realized(ctx context.Context, st *recorderState, trade domain.Trade, exitPrice float64, qty int) float64 {
	if exitPrice <= 0 || trade.EntryPrice <= 0 {
		return 0
	}
	c, err := r.contract(ctx, st.account.ID, trade.Symbol)
	if err != nil {
		r.logger.Warn("contract resolve failed, recording zero P&L",
			slog.String("symbol", trade.Symbol),
			slog.String("error", err.Error()))
		return 0
	}
	points := (exitPrice - trade.EntryPrice) * float64(trade.Side.Sign())
	return points * c.PointValue() * float64(qty)
}

func (r *Recorder) contract(ctx context.Context, accountID int64, symbol string) (domain.Contract, error) {
	key := fmt.Sprintf("%d:%s", accountID, symbol)
	r.mu.Lock()
	c, ok := r.contractC[key]
	r.mu.Unlock()
	if ok {
		return c, nil
	}
	c, err := r.contracts.ResolveContractFor(ctx, accountID, symbol)
	if err != nil {
		return domain.Contract{}, err
	}
	r.mu.Lock()
	r.contractC[key] = c
	r.mu.Unlock()
	return c, nil
}

func (r *Recorder) publish(ctx context.Context, channel string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, channel, payload); err != nil {
		r.logger.Warn("bus publish failed", slog.String("channel", channel), slog.String("error", err.Error()))
	}
}

func hasOrderID(csv, id string) bool {
	if csv == "" || id == "" {
		return false
	}
	for _, part := range strings.Split(csv, ",") {
		if part == id {
			return true
		}
	}
	return false
}

func removeOrderID(csv, id string) string {
	var kept []string
	for _, part := range strings.Split(csv, ",") {
		if part != "" && part != id {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ",")
}
