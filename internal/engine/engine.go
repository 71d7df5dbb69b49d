// Package engine turns a per-trader decision into broker calls. The
// decision table is the spine: entry from flat places a bracket, closes
// flatten, same-direction adds follow the DCA policy, trims peel off at
// market, reversals close then re-enter. All outbound prices are
// tick-aligned and exit orders are only ever cancelled and replaced,
// never modified in place.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jtradehq/jtrade/internal/broker"
	"github.com/jtradehq/jtrade/internal/domain"
)

// Store is the persistence surface the engine touches.
type Store interface {
	domain.AccountStore
	domain.TradeStore
	domain.PositionStore
	domain.FailureStore
}

// AddPolicy selects how a same-direction size increase is executed.
type AddPolicy int

const (
	// AddDCA merges into the running trade: market delta, cancel the
	// take-profits, recompute them from the broker-reported average.
	AddDCA AddPolicy = iota
	// AddFresh closes the running trade record and opens an independent
	// bracket for the delta. Adds never merge under this policy.
	AddFresh
	// AddPlain is a bare market delta with no exit-order changes; the
	// copy engine uses it because adds never re-attach risk legs there.
	AddPlain
)

// Task is one unit of signal-driven work. Quantities arrive already
// multiplied and capped by the router; the engine never scales them
// again.
type Task struct {
	Config   domain.Effective
	Action   domain.SignalAction
	SignalID string
	Price    float64 // signal price hint; 0 when the payload carried none
	EntryQty int     // contracts for a fresh entry or a reversal re-entry
	AddQty   int     // contracts for a same-direction add; 0 = adds disabled
}

// Transition is a fully resolved position change: previous and target
// signed quantities plus the policy for same-direction adds. The copy
// engine builds these directly from leader position messages.
type Transition struct {
	Config    domain.Effective
	Action    string
	SignalID  string
	Prev      int
	Target    int
	Price     float64
	Prefix    string // client-order-id origin prefix
	AddPolicy AddPolicy
}

// ExecutionEvent is published on the executions channel after each
// completed transition for the monitoring stream.
type ExecutionEvent struct {
	StrategyID int64   `json:"strategy_id"`
	TraderID   int64   `json:"trader_id"`
	AccountID  int64   `json:"account_id"`
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Prev       int     `json:"prev"`
	Target     int     `json:"target"`
	Price      float64 `json:"price,omitempty"`
	At         string  `json:"at"`
}

// Engine executes decisions against broker adapters and keeps the trade
// and position records in step.
type Engine struct {
	brokers *broker.Registry
	store   Store
	tokens  domain.TokenSource
	bus     domain.EventBus
	logger  *slog.Logger
	now     func() time.Time
}

// New wires an Engine. bus may be nil when no monitoring stream is
// attached.
func New(brokers *broker.Registry, store Store, tokens domain.TokenSource, bus domain.EventBus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		brokers: brokers,
		store:   store,
		tokens:  tokens,
		bus:     bus,
		logger:  logger.With(slog.String("component", "engine")),
		now:     time.Now,
	}
}

// session is the resolved call state for one transition: adapter,
// authenticated account ref, and contract metadata.
type session struct {
	cfg      domain.Effective
	action   string
	signalID string
	prefix   string
	ref      domain.AccountRef
	adapter  domain.BrokerAdapter
	contract domain.Contract
}

// Execute runs one signal task end to end: resolve the account, re-read
// the broker position, derive the target from the action, and apply the
// decision table. Every broker failure lands in the execution-failures
// log; the returned error mirrors it for the pool's accounting.
func (e *Engine) Execute(ctx context.Context, t Task) error {
	s, err := e.newSession(ctx, t.Config, string(t.Action), t.SignalID, domain.OrderPrefixSignal)
	if err != nil {
		e.recordFailure(ctx, t.Config, string(t.Action), err)
		return err
	}

	prev, err := e.brokerQty(ctx, s)
	if err != nil {
		e.recordFailure(ctx, t.Config, string(t.Action), err)
		return err
	}
	e.adjustDrift(ctx, s, prev)

	target, policy, ok := deriveTarget(t, prev)
	if !ok {
		e.logger.Debug("no action for signal",
			slog.String("action", string(t.Action)),
			slog.String("symbol", s.cfg.Symbol),
			slog.Int("prev", prev))
		return nil
	}

	tr := Transition{
		Config:    t.Config,
		Action:    string(t.Action),
		SignalID:  t.SignalID,
		Prev:      prev,
		Target:    target,
		Price:     t.Price,
		Prefix:    domain.OrderPrefixSignal,
		AddPolicy: policy,
	}
	if err := e.transition(ctx, s, tr); err != nil {
		e.recordFailure(ctx, t.Config, string(t.Action), err)
		return err
	}
	e.publish(ctx, tr)
	return nil
}

// Apply runs a pre-resolved transition. The copy engine uses it with
// leader-derived prev/target pairs and the copy order-id prefix.
func (e *Engine) Apply(ctx context.Context, tr Transition) error {
	prefix := tr.Prefix
	if prefix == "" {
		prefix = domain.OrderPrefixSignal
	}
	s, err := e.newSession(ctx, tr.Config, tr.Action, tr.SignalID, prefix)
	if err != nil {
		e.recordFailure(ctx, tr.Config, tr.Action, err)
		return err
	}
	if err := e.transition(ctx, s, tr); err != nil {
		e.recordFailure(ctx, tr.Config, tr.Action, err)
		return err
	}
	e.publish(ctx, tr)
	return nil
}

// deriveTarget maps a signal action plus the broker-verified previous
// quantity onto a signed target. Close actions never reverse; a
// same-direction signal is an add only when adds are enabled, and a
// reversal mirrors the previous size on the other side. ok is false
// when no broker action is warranted.
func deriveTarget(t Task, prev int) (target int, policy AddPolicy, ok bool) {
	policy = AddDCA
	if !t.Config.DCA.Enabled {
		policy = AddFresh
	}

	switch t.Action {
	case domain.ActionBuy, domain.ActionSell:
		dir := 1
		if t.Action == domain.ActionSell {
			dir = -1
		}
		switch {
		case prev == 0:
			return dir * t.EntryQty, policy, t.EntryQty > 0
		case prev*dir > 0: // same direction
			if t.Config.DCA.Enabled {
				if t.AddQty <= 0 {
					return 0, policy, false
				}
				return prev + dir*t.AddQty, AddDCA, true
			}
			if t.EntryQty <= 0 {
				return 0, policy, false
			}
			return prev + dir*t.EntryQty, AddFresh, true
		default: // reversal: mirror the previous size on the other side
			return -prev, policy, true
		}

	case domain.ActionFlip:
		if prev == 0 {
			return 0, policy, false
		}
		return -prev, policy, true

	case domain.ActionClose:
		return 0, policy, prev != 0
	case domain.ActionCloseLong:
		return 0, policy, prev > 0
	case domain.ActionCloseShort:
		return 0, policy, prev < 0
	}
	return 0, policy, false
}

// transition applies the decision table to a resolved prev/target pair.
func (e *Engine) transition(ctx context.Context, s *session, tr Transition) error {
	prev, target := tr.Prev, tr.Target
	switch {
	case prev == 0 && target == 0:
		return nil

	case prev == 0:
		return e.enter(ctx, s, target, tr.Price)

	case target == 0:
		return e.closeAll(ctx, s, prev, tr.Price, domain.ExitCloseSignal)

	case (prev > 0) != (target > 0):
		if err := e.closeAll(ctx, s, prev, tr.Price, domain.ExitFlip); err != nil {
			return err
		}
		return e.enter(ctx, s, target, tr.Price)

	case abs(target) > abs(prev):
		return e.add(ctx, s, tr)

	case abs(target) < abs(prev):
		return e.trim(ctx, s, prev, target, tr.Price)
	}
	return nil // same size, nothing to do
}

// enter places a fresh position: a bracket when the plan carries exits,
// a bare market order otherwise. The trade and position records open
// with the signal price as the provisional entry; the stream listener
// corrects them from fills.
func (e *Engine) enter(ctx context.Context, s *session, target int, price float64) error {
	side := domain.OrderBuy
	tradeSide := domain.SideLong
	if target < 0 {
		side = domain.OrderSell
		tradeSide = domain.SideShort
	}
	qty := abs(target)
	clID := broker.NewClientOrderID(s.prefix)

	spec, err := buildBracket(s.cfg, s.contract, side, qty, price, clID)
	if err != nil {
		return err
	}

	var result domain.BracketResult
	if len(spec.Legs) == 0 && spec.Stop == nil {
		err = e.call(ctx, s, "place market", func(ctx context.Context, ref domain.AccountRef) error {
			id, perr := s.adapter.PlaceMarket(ctx, ref, s.cfg.Symbol, side, qty, clID)
			result.EntryOrderID = id
			return perr
		})
	} else {
		err = e.call(ctx, s, "place bracket", func(ctx context.Context, ref domain.AccountRef) error {
			var perr error
			result, perr = s.adapter.PlaceBracket(ctx, ref, spec)
			return perr
		})
	}
	if err != nil {
		return err
	}

	now := e.now()
	trade := &domain.Trade{
		StrategyID: s.cfg.StrategyID,
		TraderID:   s.cfg.TraderID,
		AccountID:  s.cfg.AccountID,
		SignalID:   s.signalID,
		Symbol:     s.cfg.Symbol,
		Side:       tradeSide,
		Qty:        qty,
		EntryPrice: price,
		EntryAt:    now,
		Status:     domain.TradeOpen,
	}
	id, err := e.store.OpenTrade(ctx, trade)
	if err != nil {
		return fmt.Errorf("engine: record entry: %w", err)
	}
	if len(result.TPOrderIDs) > 0 || result.SLOrderID != "" {
		if err := e.store.SetTradeExitOrders(ctx, id, strings.Join(result.TPOrderIDs, ","), result.SLOrderID); err != nil {
			return fmt.Errorf("engine: record exit orders: %w", err)
		}
	}

	return e.upsertPosition(ctx, s, target, price, now)
}

// closeAll cancels every resting order on the symbol, closes the net
// position at market, and settles the trade and position records.
func (e *Engine) closeAll(ctx context.Context, s *session, prev int, price float64, reason string) error {
	if err := e.cancelResting(ctx, s); err != nil {
		return err
	}

	side := domain.OrderSell
	if prev < 0 {
		side = domain.OrderBuy
	}
	clID := broker.NewClientOrderID(s.prefix)
	err := e.call(ctx, s, "close position", func(ctx context.Context, ref domain.AccountRef) error {
		_, perr := s.adapter.PlaceMarket(ctx, ref, s.cfg.Symbol, side, abs(prev), clID)
		return perr
	})
	if err != nil {
		return err
	}

	now := e.now()
	if trade, ok, terr := e.openTrade(ctx, s); terr == nil && ok {
		pl := realizedPL(trade, price, s.contract)
		if cerr := e.store.CloseTrade(ctx, trade.ID, price, reason, pl); cerr != nil {
			return fmt.Errorf("engine: close trade record: %w", cerr)
		}
	}
	if pos, perr := e.store.GetPosition(ctx, s.cfg.StrategyID, s.cfg.AccountID, s.cfg.Symbol); perr == nil && pos.Open {
		if cerr := e.store.ClosePosition(ctx, pos.ID, now); cerr != nil {
			return fmt.Errorf("engine: close position record: %w", cerr)
		}
	}
	return nil
}

// add grows a same-direction position per the policy.
func (e *Engine) add(ctx context.Context, s *session, tr Transition) error {
	delta := abs(tr.Target) - abs(tr.Prev)
	side := domain.OrderBuy
	tradeSide := domain.SideLong
	if tr.Target < 0 {
		side = domain.OrderSell
		tradeSide = domain.SideShort
	}

	if tr.AddPolicy == AddFresh {
		// Fresh independent entry: retire the running record and its
		// resting orders, then bracket the delta on its own.
		if err := e.cancelResting(ctx, s); err != nil {
			return err
		}
		if trade, ok, terr := e.openTrade(ctx, s); terr == nil && ok {
			if cerr := e.store.CloseTrade(ctx, trade.ID, tr.Price, domain.ExitNewEntry, realizedPL(trade, tr.Price, s.contract)); cerr != nil {
				return fmt.Errorf("engine: retire trade record: %w", cerr)
			}
		}
		target := delta
		if tr.Target < 0 {
			target = -delta
		}
		return e.enter(ctx, s, target, tr.Price)
	}

	clID := broker.NewClientOrderID(s.prefix)
	err := e.call(ctx, s, "place add", func(ctx context.Context, ref domain.AccountRef) error {
		_, perr := s.adapter.PlaceMarket(ctx, ref, s.cfg.Symbol, side, delta, clID)
		return perr
	})
	if err != nil {
		return err
	}

	now := e.now()
	trade, hasTrade, terr := e.openTrade(ctx, s)
	if terr != nil {
		return terr
	}
	if hasTrade {
		if err := e.store.UpdateTradeQty(ctx, trade.ID, abs(tr.Target)); err != nil {
			return fmt.Errorf("engine: update trade qty: %w", err)
		}
	}

	if tr.AddPolicy == AddDCA && len(s.cfg.TPLegs) > 0 {
		// Recompute the ladder from the broker-reported weighted
		// average, not the locally synthesized one.
		avg, err := e.brokerAvg(ctx, s)
		if err != nil {
			return err
		}
		if err := e.replaceTPs(ctx, s, trade, hasTrade, tradeSide, abs(tr.Target), avg); err != nil {
			return err
		}
	}

	return e.upsertPosition(ctx, s, deltaSigned(tr.Target, delta), tr.Price, now)
}

// trim peels off part of the position with an opposite-side market
// order, leaving the remaining exits in place.
func (e *Engine) trim(ctx context.Context, s *session, prev, target int, price float64) error {
	delta := abs(prev) - abs(target)
	side := domain.OrderSell
	if prev < 0 {
		side = domain.OrderBuy
	}
	clID := broker.NewClientOrderID(s.prefix)
	err := e.call(ctx, s, "trim position", func(ctx context.Context, ref domain.AccountRef) error {
		_, perr := s.adapter.PlaceMarket(ctx, ref, s.cfg.Symbol, side, delta, clID)
		return perr
	})
	if err != nil {
		return err
	}

	if trade, ok, terr := e.openTrade(ctx, s); terr == nil && ok {
		if err := e.store.UpdateTradeQty(ctx, trade.ID, abs(target)); err != nil {
			return fmt.Errorf("engine: update trade qty: %w", err)
		}
	}
	return e.upsertPosition(ctx, s, deltaSigned(target, -delta), price, e.now())
}

// replaceTPs is the cancel-and-replace half of a DCA add: cancel the
// recorded take-profit orders, lay a fresh ladder from the new average,
// and re-record the order ids.
func (e *Engine) replaceTPs(ctx context.Context, s *session, trade domain.Trade, hasTrade bool, side domain.Side, qty int, avg float64) error {
	if hasTrade && trade.TPOrderID != "" {
		for _, id := range strings.Split(trade.TPOrderID, ",") {
			if id == "" {
				continue
			}
			id := id
			err := e.call(ctx, s, "cancel tp", func(ctx context.Context, ref domain.AccountRef) error {
				return s.adapter.CancelOrder(ctx, ref, id)
			})
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
	}

	exitSide := domain.OrderSell
	if side == domain.SideShort {
		exitSide = domain.OrderBuy
	}
	qtys := legQuantities(s.cfg.TPLegs, qty)
	var ids []string
	for i, leg := range s.cfg.TPLegs {
		if qtys[i] == 0 {
			continue
		}
		limit, err := tpPrice(avg, leg, side, s.contract)
		if err != nil {
			return err
		}
		clID := broker.NewClientOrderID(s.prefix)
		var id string
		err = e.call(ctx, s, "place tp", func(ctx context.Context, ref domain.AccountRef) error {
			var perr error
			id, perr = s.adapter.PlaceLimit(ctx, ref, s.cfg.Symbol, exitSide, qtys[i], limit, clID)
			return perr
		})
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	if hasTrade {
		if err := e.store.SetTradeExitOrders(ctx, trade.ID, strings.Join(ids, ","), trade.SLOrderID); err != nil {
			return fmt.Errorf("engine: record exit orders: %w", err)
		}
	}
	return nil
}

// cancelResting cancels every working order on the session's symbol.
func (e *Engine) cancelResting(ctx context.Context, s *session) error {
	var orders []domain.Order
	err := e.call(ctx, s, "list orders", func(ctx context.Context, ref domain.AccountRef) error {
		var lerr error
		orders, lerr = s.adapter.ListOpenOrders(ctx, ref)
		return lerr
	})
	if err != nil {
		return err
	}
	for _, o := range orders {
		if !strings.EqualFold(o.Symbol, s.cfg.Symbol) {
			continue
		}
		o := o
		err := e.call(ctx, s, "cancel order", func(ctx context.Context, ref domain.AccountRef) error {
			return s.adapter.CancelOrder(ctx, ref, o.ID)
		})
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	return nil
}

// newSession resolves the adapter, authenticated account ref, and
// contract for one transition. Accounts flagged needs_reauth fail fast
// without touching the broker.
func (e *Engine) newSession(ctx context.Context, cfg domain.Effective, action, signalID, prefix string) (*session, error) {
	acct, err := e.store.GetAccountWithCredentials(ctx, cfg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("engine: load account %d: %w", cfg.AccountID, err)
	}
	if acct.NeedsReauth {
		return nil, fmt.Errorf("engine: account %d: %w", cfg.AccountID, domain.ErrAuthExpired)
	}

	adapter, err := e.brokers.Get(acct.Broker)
	if err != nil {
		return nil, err
	}

	ref := acct.Ref()
	tok, err := e.tokens.TokenFor(ctx, cfg.AccountID)
	if err != nil {
		return nil, err
	}
	ref.Auth.AccessToken = tok.Value

	s := &session{
		cfg:      cfg,
		action:   action,
		signalID: signalID,
		prefix:   prefix,
		ref:      ref,
		adapter:  adapter,
	}

	err = e.call(ctx, s, "resolve contract", func(ctx context.Context, ref domain.AccountRef) error {
		var cerr error
		s.contract, cerr = adapter.ResolveContract(ctx, ref, cfg.Symbol)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// call runs one broker operation with retry/backoff, plus a single
// refresh-and-retry on an expired token. A second auth failure marks
// the account needs_reauth.
func (e *Engine) call(ctx context.Context, s *session, op string, fn func(ctx context.Context, ref domain.AccountRef) error) error {
	err := broker.WithRetry(ctx, e.logger, op, func(ctx context.Context) error {
		return fn(ctx, s.ref)
	})
	if !errors.Is(err, domain.ErrAuthExpired) {
		return err
	}

	e.tokens.Invalidate(ctx, s.ref.AccountID)
	tok, terr := e.tokens.TokenFor(ctx, s.ref.AccountID)
	if terr != nil {
		e.markReauth(ctx, s, terr)
		return err
	}
	s.ref.Auth.AccessToken = tok.Value

	err = broker.WithRetry(ctx, e.logger, op, func(ctx context.Context) error {
		return fn(ctx, s.ref)
	})
	if errors.Is(err, domain.ErrAuthExpired) {
		e.markReauth(ctx, s, err)
	}
	return err
}

func (e *Engine) markReauth(ctx context.Context, s *session, cause error) {
	if merr := e.store.MarkAccountNeedsReauth(ctx, s.ref.AccountID, cause.Error()); merr != nil {
		e.logger.Error("failed to flag account for reauth",
			slog.Int64("account_id", s.ref.AccountID),
			slog.String("error", merr.Error()))
	}
}

// brokerQty reads the live net quantity for the session's symbol. When
// the ref pins a subaccount only its rows count.
func (e *Engine) brokerQty(ctx context.Context, s *session) (int, error) {
	var positions []domain.BrokerPosition
	err := e.call(ctx, s, "list positions", func(ctx context.Context, ref domain.AccountRef) error {
		var lerr error
		positions, lerr = s.adapter.ListPositions(ctx, ref)
		return lerr
	})
	if err != nil {
		return 0, err
	}
	qty := 0
	for _, p := range positions {
		if !strings.EqualFold(p.Symbol, s.cfg.Symbol) {
			continue
		}
		if s.ref.Subaccount != "" && p.Subaccount != "" && p.Subaccount != s.ref.Subaccount {
			continue
		}
		qty += p.Qty
	}
	return qty, nil
}

// brokerAvg reads the broker-reported weighted average entry for the
// session's symbol.
func (e *Engine) brokerAvg(ctx context.Context, s *session) (float64, error) {
	var positions []domain.BrokerPosition
	err := e.call(ctx, s, "list positions", func(ctx context.Context, ref domain.AccountRef) error {
		var lerr error
		positions, lerr = s.adapter.ListPositions(ctx, ref)
		return lerr
	})
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, s.cfg.Symbol) && p.Qty != 0 {
			return p.AvgPrice, nil
		}
	}
	return 0, fmt.Errorf("engine: %w: no live position for %s", domain.ErrNotFound, s.cfg.Symbol)
}

// adjustDrift reconciles the open trade record against the broker
// quantity. Drift beyond one contract adjusts the record and logs.
func (e *Engine) adjustDrift(ctx context.Context, s *session, brokerQty int) {
	trade, ok, err := e.openTrade(ctx, s)
	if err != nil || !ok {
		return
	}
	if trade.Side.Sign()*brokerQty < 0 {
		return // opposite signs are the reconciler's problem
	}
	drift := abs(trade.Qty - abs(brokerQty))
	if drift <= 1 {
		return
	}
	e.logger.Warn("trade quantity drifted from broker",
		slog.Int64("trade_id", trade.ID),
		slog.Int("recorded", trade.Qty),
		slog.Int("broker", abs(brokerQty)))
	if err := e.store.UpdateTradeQty(ctx, trade.ID, abs(brokerQty)); err != nil {
		e.logger.Error("failed to adjust drifted trade",
			slog.Int64("trade_id", trade.ID),
			slog.String("error", err.Error()))
	}
}

// openTrade finds the trader's open trade record on the session's
// symbol, if any.
func (e *Engine) openTrade(ctx context.Context, s *session) (domain.Trade, bool, error) {
	trades, err := e.store.ListOpenTradesForAccount(ctx, s.cfg.AccountID, s.cfg.Symbol)
	if err != nil {
		return domain.Trade{}, false, fmt.Errorf("engine: list open trades: %w", err)
	}
	for _, t := range trades {
		if t.TraderID == s.cfg.TraderID {
			return t, true, nil
		}
	}
	return domain.Trade{}, false, nil
}

// upsertPosition folds a signed fill quantity into the derived
// aggregate.
func (e *Engine) upsertPosition(ctx context.Context, s *session, fillQty int, price float64, at time.Time) error {
	pos, err := e.store.GetPosition(ctx, s.cfg.StrategyID, s.cfg.AccountID, s.cfg.Symbol)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("engine: load position: %w", err)
	}
	if errors.Is(err, domain.ErrNotFound) {
		pos = domain.Position{
			StrategyID: s.cfg.StrategyID,
			AccountID:  s.cfg.AccountID,
			Symbol:     s.cfg.Symbol,
		}
	}
	pos.ApplyFill(fillQty, price, at)
	if err := e.store.UpsertPosition(ctx, &pos); err != nil {
		return fmt.Errorf("engine: upsert position: %w", err)
	}
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, cfg domain.Effective, action string, cause error) {
	f := &domain.ExecutionFailure{
		StrategyID: cfg.StrategyID,
		TraderID:   cfg.TraderID,
		AccountID:  cfg.AccountID,
		Symbol:     cfg.Symbol,
		Action:     action,
		Kind:       domain.ErrorKind(cause),
		Detail:     cause.Error(),
		At:         e.now(),
	}
	if err := e.store.AppendExecutionFailure(ctx, f); err != nil {
		e.logger.Error("failed to record execution failure",
			slog.String("error", err.Error()),
			slog.String("cause", cause.Error()))
	}
}

func (e *Engine) publish(ctx context.Context, tr Transition) {
	if e.bus == nil {
		return
	}
	ev := ExecutionEvent{
		StrategyID: tr.Config.StrategyID,
		TraderID:   tr.Config.TraderID,
		AccountID:  tr.Config.AccountID,
		Symbol:     tr.Config.Symbol,
		Action:     tr.Action,
		Prev:       tr.Prev,
		Target:     tr.Target,
		Price:      tr.Price,
		At:         e.now().UTC().Format(time.RFC3339Nano),
	}
	if err := e.bus.Publish(ctx, domain.ChanExecutions, ev); err != nil {
		e.logger.Debug("execution event publish failed", slog.String("error", err.Error()))
	}
}

// realizedPL estimates the dollars realized on a close from the exit
// price hint. With no hint the record carries zero and the stream
// listener trues it up.
func realizedPL(t domain.Trade, exitPrice float64, c domain.Contract) float64 {
	if exitPrice <= 0 || t.EntryPrice <= 0 {
		return 0
	}
	points := (exitPrice - t.EntryPrice) * float64(t.Side.Sign())
	return points * c.PointValue() * float64(t.Qty)
}

func deltaSigned(target, delta int) int {
	if target < 0 {
		return -delta
	}
	return delta
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
