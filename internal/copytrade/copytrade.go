// Package copytrade mirrors leader fills to follower accounts. A
// stream listener per auto-copy leader watches fills and position
// changes; the position delta (never the raw fill) is scaled, capped,
// and applied to every enabled follower in parallel. Orders placed here
// carry the copy client-order-id prefix, which is what keeps a
// follower's own fills from cascading back into the engine.
package copytrade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jtradehq/jtrade/internal/broker"
	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/domain"
	"github.com/jtradehq/jtrade/internal/engine"
)

// Store is the persistence surface the copy engine reads and writes.
type Store interface {
	domain.CopyStore
	domain.AccountStore
	domain.TradeStore
	domain.StrategyStore
}

// Applier routes one resolved transition through the execution engine.
type Applier interface {
	Apply(ctx context.Context, tr engine.Transition) error
}

// leaderState tracks the per-leader stream context: the most recent
// fill per symbol (for loop prevention and the copy price) pending its
// position message.
type leaderState struct {
	leader  domain.LeaderAccount
	account domain.Account
	subID   string

	mu       sync.Mutex
	lastFill map[string]domain.FillEvent // symbol -> most recent fill
}

// Engine is the copy-trading engine.
type Engine struct {
	cfg    config.CopyConfig
	store  Store
	hub    domain.StreamHub
	exec   Applier
	logger *slog.Logger
	now    func() time.Time

	dedup *fillDedup

	mu      sync.Mutex
	leaders map[int64]*leaderState // leader id -> state
}

// New wires the copy engine. Call Start to register leader listeners.
func New(cfg config.CopyConfig, store Store, hub domain.StreamHub, exec Applier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.FillDedupWindow.Duration
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		hub:     hub,
		exec:    exec,
		logger:  logger.With(slog.String("component", "copytrade")),
		now:     time.Now,
		dedup:   newFillDedup(window),
		leaders: make(map[int64]*leaderState),
	}
}

// Start registers a fill/position listener for every auto-copy leader.
func (e *Engine) Start(ctx context.Context) error {
	leaders, err := e.store.ListLeaders(ctx, true)
	if err != nil {
		return fmt.Errorf("copytrade: list leaders: %w", err)
	}

	for _, leader := range leaders {
		if err := e.watchLeader(ctx, leader); err != nil {
			e.logger.Error("leader listener registration failed",
				slog.Int64("leader_id", leader.ID),
				slog.String("error", err.Error()))
			continue
		}
	}
	e.logger.Info("copy engine started", slog.Int("leaders", len(leaders)))
	return nil
}

func (e *Engine) watchLeader(ctx context.Context, leader domain.LeaderAccount) error {
	acct, err := e.store.GetAccountWithCredentials(ctx, leader.AccountID)
	if err != nil {
		return fmt.Errorf("load leader account %d: %w", leader.AccountID, err)
	}

	st := &leaderState{
		leader:   leader,
		account:  acct,
		lastFill: make(map[string]domain.FillEvent),
	}

	sub := domain.StreamSubscription{
		Broker:      acct.Broker,
		Environment: acct.Environment,
		TokenKey:    broker.TokenKey(acct.Ref()),
		AccountID:   acct.ID,
		Subaccounts: []string{acct.Subaccount},
		Types:       []domain.StreamEventType{domain.StreamFill, domain.StreamPosition},
		Listener: func(_ context.Context, ev domain.StreamEvent) {
			e.onEvent(st, ev)
		},
	}
	id, err := e.hub.Register(sub)
	if err != nil {
		return err
	}
	st.subID = id

	e.mu.Lock()
	e.leaders[leader.ID] = st
	e.mu.Unlock()
	return nil
}

// Stop unregisters every leader listener.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, st := range e.leaders {
		e.hub.Unregister(st.subID)
		delete(e.leaders, id)
	}
}

// onEvent runs on the hub read path and must not block: fills are
// recorded, position changes are handed to a goroutine for fan-out.
func (e *Engine) onEvent(st *leaderState, ev domain.StreamEvent) {
	switch ev.Type {
	case domain.StreamFill:
		if ev.Fill == nil {
			return
		}
		st.mu.Lock()
		st.lastFill[ev.Fill.Symbol] = *ev.Fill
		st.mu.Unlock()

	case domain.StreamPosition:
		if ev.Position == nil || ev.Position.Qty == ev.Position.PrevQty {
			return
		}
		pos := *ev.Position

		st.mu.Lock()
		fill, hasFill := st.lastFill[pos.Symbol]
		delete(st.lastFill, pos.Symbol)
		st.mu.Unlock()

		if hasFill {
			// Loop prevention: a fill whose parent order we placed as a
			// copy never propagates further.
			if domain.IsCopyOrderID(fill.ClientOrderID) {
				return
			}
			// Session rollovers replay fills; the id window drops them.
			if fill.FillID != "" && e.dedup.Seen(fill.FillID) {
				return
			}
		}

		price := pos.AvgPrice
		if hasFill && fill.Price > 0 {
			price = fill.Price
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := e.propagate(ctx, st, pos.Symbol, pos.PrevQty, pos.Qty, price); err != nil {
				e.logger.Error("copy propagation failed",
					slog.Int64("leader_id", st.leader.ID),
					slog.String("symbol", pos.Symbol),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// CopyToFollowers propagates one leader position change to all enabled
// followers. Manual "propagate now" flows converge here with the same
// semantics as the streaming path.
func (e *Engine) CopyToFollowers(ctx context.Context, leaderID int64, symbol string, side domain.Side, qty, prevQty int, price float64) error {
	e.mu.Lock()
	st, ok := e.leaders[leaderID]
	e.mu.Unlock()
	if !ok {
		leader, err := e.store.ListLeaders(ctx, false)
		if err != nil {
			return fmt.Errorf("copytrade: list leaders: %w", err)
		}
		for _, l := range leader {
			if l.ID == leaderID {
				acct, aerr := e.store.GetAccountWithCredentials(ctx, l.AccountID)
				if aerr != nil {
					return fmt.Errorf("copytrade: load leader account: %w", aerr)
				}
				st = &leaderState{leader: l, account: acct, lastFill: map[string]domain.FillEvent{}}
				break
			}
		}
		if st == nil {
			return fmt.Errorf("copytrade: leader %d: %w", leaderID, domain.ErrNotFound)
		}
	}

	target := side.Sign() * abs(qty)
	prev := prevQty
	return e.propagate(ctx, st, symbol, prev, target, price)
}

// propagate fans the leader's prev→target change out to every enabled
// follower in parallel. One follower's failure never blocks siblings;
// each attempt lands in the copy log with its latency.
func (e *Engine) propagate(ctx context.Context, st *leaderState, symbol string, prev, target int, price float64) error {
	followers, err := e.store.ListFollowersFor(ctx, st.leader.ID, true)
	if err != nil {
		return fmt.Errorf("copytrade: list followers: %w", err)
	}
	if len(followers) == 0 {
		return nil
	}

	plan := e.leaderPlan(ctx, st, symbol)

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range followers {
		f := f
		g.Go(func() error {
			e.copyOne(gctx, st, f, plan, symbol, prev, target, price)
			return nil // follower failures are logged, not propagated
		})
	}
	return g.Wait()
}

// copyOne applies one leader change to one follower and records the
// attempt.
func (e *Engine) copyOne(ctx context.Context, st *leaderState, f domain.FollowerAccount, plan riskPlan, symbol string, prev, target int, price float64) {
	start := e.now()

	targetSymbol := symbol
	mappedPrev, mappedTarget := prev, target
	if mapping, ok, err := e.store.GetContractMapping(ctx, f.ID, symbol); err == nil && ok {
		// Contract mapping applies before the follower's own cap.
		targetSymbol = mapping.TargetSymbol
		if mapping.QtyMult > 0 {
			mappedPrev = domain.RoundQty(float64(prev) * mapping.QtyMult)
			mappedTarget = domain.RoundQty(float64(target) * mapping.QtyMult)
		}
	}

	fPrev := f.TargetQty(mappedPrev)
	fTarget := f.TargetQty(mappedTarget)

	row := &domain.CopyTradeLog{
		LeaderAccountID:   st.leader.AccountID,
		FollowerAccountID: f.AccountID,
		Symbol:            targetSymbol,
		Side:              domain.SideOfQty(target),
		LeaderQty:         target,
		FollowerQty:       fTarget,
		LeaderPrice:       price,
		Status:            domain.CopyPending,
		At:                start,
	}

	if fPrev == fTarget {
		// Scaling collapsed the delta to nothing; log and move on.
		row.Status = domain.CopyFilled
		e.appendLog(ctx, row)
		return
	}

	cfg := domain.Effective{
		StrategyID: plan.strategyID,
		AccountID:  f.AccountID,
		Symbol:     targetSymbol,
		Multiplier: 1, // already applied through TargetQty
	}
	// Risk legs ride along only where the decision table attaches them:
	// fresh entries and the re-entry half of reversals.
	if f.CopyTP {
		cfg.TPLegs = plan.tpLegs
	}
	if f.CopySL {
		cfg.Stop = plan.stop
	}

	err := e.exec.Apply(ctx, engine.Transition{
		Config:    cfg,
		Action:    "copy",
		Prev:      fPrev,
		Target:    fTarget,
		Price:     price,
		Prefix:    domain.OrderPrefixCopy,
		AddPolicy: engine.AddPlain,
	})

	row.LatencyMS = e.now().Sub(start).Milliseconds()
	row.Status = CopyStatusFor(err)
	if err != nil {
		row.Error = err.Error()
		e.logger.Warn("follower copy failed",
			slog.Int64("follower_account", f.AccountID),
			slog.String("symbol", targetSymbol),
			slog.String("error", err.Error()))
	}
	e.appendLog(ctx, row)
}

// riskPlan is the leader's TP/SL plan, traced through its open trade
// record so followers with copy_tp/copy_sl can mirror it.
type riskPlan struct {
	strategyID int64
	tpLegs     []domain.TPLeg
	stop       domain.StopPlan
}

func (e *Engine) leaderPlan(ctx context.Context, st *leaderState, symbol string) riskPlan {
	trades, err := e.store.ListOpenTradesForAccount(ctx, st.account.ID, symbol)
	if err != nil || len(trades) == 0 {
		return riskPlan{}
	}
	strategy, err := e.store.GetStrategy(ctx, trades[0].StrategyID)
	if err != nil {
		return riskPlan{strategyID: trades[0].StrategyID}
	}
	return riskPlan{
		strategyID: strategy.ID,
		tpLegs:     strategy.TPLegs,
		stop:       strategy.Stop,
	}
}

func (e *Engine) appendLog(ctx context.Context, row *domain.CopyTradeLog) {
	if err := e.store.AppendCopyLog(ctx, row); err != nil {
		e.logger.Error("copy log append failed", slog.String("error", err.Error()))
	}
}

// CopyStatusFor maps an apply error onto the log status.
func CopyStatusFor(err error) domain.CopyStatus {
	if err != nil {
		return domain.CopyFailed
	}
	return domain.CopyFilled
}

// fillDedup drops fill ids replayed within the window (brokers resend
// recent fills on session rollover).
type fillDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func newFillDedup(ttl time.Duration) *fillDedup {
	return &fillDedup{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Seen records the id and reports whether it was already seen inside
// the window. Expired entries are evicted opportunistically.
func (d *fillDedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.seen[id]; ok && now.Sub(last) < d.ttl {
		return true
	}
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, k)
		}
	}
	d.seen[id] = now
	return false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
