// Package router turns webhook deliveries into execution tasks: token
// resolution, raw-signal persistence, dedup, the ordered filter chain,
// and per-trader fan-out through the override chain. Everything here is
// synchronous and cheap; broker work happens in the execution pool.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/domain"
	"github.com/jtradehq/jtrade/internal/engine"
	"github.com/jtradehq/jtrade/internal/pool"
)

// Store is the persistence surface the router reads and writes.
type Store interface {
	domain.StrategyStore
	domain.TraderStore
	domain.SignalStore
	domain.TradeStore
	domain.CopyStore
}

// Executor runs one resolved task; implemented by the execution engine.
type Executor interface {
	Execute(ctx context.Context, t engine.Task) error
}

// Enqueuer hands tasks to the execution pool.
type Enqueuer interface {
	Submit(ctx context.Context, name string, fn pool.Task) error
}

// Outcome is what the webhook handler reports back. The HTTP layer
// answers 2xx for every outcome; only unknown and archived tokens
// surface as errors.
type Outcome struct {
	SignalID string
	Status   domain.SignalStatus
	Reason   string
	Enqueued int
	Dropped  int
}

// strategyState is the in-process per-strategy session bookkeeping:
// accepted-signal counts and cooldown timestamps, reset at the session
// roll.
type strategyState struct {
	day          string
	delaySeen    int
	accepted     int
	lastAccepted time.Time
}

// Router routes webhooks to execution tasks.
type Router struct {
	cfg    config.RouterConfig
	store  Store
	exec   Executor
	queue  Enqueuer
	bus    domain.EventBus
	loc    *time.Location
	dedup  *dedup
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[int64]*strategyState
}

// New wires a Router. loc is the platform session timezone; bus may be
// nil when no monitoring stream is attached.
func New(cfg config.RouterConfig, store Store, exec Executor, queue Enqueuer, bus domain.EventBus, loc *time.Location, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	window := cfg.DedupWindow.Duration
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Router{
		cfg:    cfg,
		store:  store,
		exec:   exec,
		queue:  queue,
		bus:    bus,
		loc:    loc,
		dedup:  newDedup(window),
		logger: logger.With(slog.String("component", "router")),
		now:    time.Now,
	}
}

// Ingest processes one webhook delivery end to end (minus the broker
// calls, which are queued). Unknown tokens return ErrNotFound and
// archived strategies ErrStrategyDisabled; every other path succeeds so
// the HTTP layer can answer 2xx once the signal is persisted.
func (r *Router) Ingest(ctx context.Context, token string, body []byte) (Outcome, error) {
	strategy, err := r.store.GetByWebhookToken(ctx, token)
	if err != nil {
		return Outcome{}, fmt.Errorf("router: resolve token: %w", err)
	}
	if strategy.Archived {
		return Outcome{}, fmt.Errorf("router: strategy %d: %w", strategy.ID, domain.ErrStrategyDisabled)
	}

	now := r.now().In(r.loc)

	p, parseErr := parseBody(body, r.cfg.AcceptPlainTextSignals)
	sig := &domain.Signal{
		ID:         uuid.NewString(),
		StrategyID: strategy.ID,
		RawBody:    string(body),
		ReceivedAt: now,
		Status:     domain.SignalReceived,
	}
	if parseErr == nil {
		sig.Action = p.Action
		sig.Ticker = p.Ticker
		sig.Price = p.Price
		sig.Contracts = p.Contracts
		sig.PositionLabel = p.Position
		sig.SignalTime = p.Time
		sig.DedupKey = DedupKey(strategy.ID, p.Action, p.TimeLabel, now)
	} else {
		sig.Status = domain.SignalUnparseable
		sig.FilterReason = parseErr.Error()
	}

	// The raw body is always persisted, parseable or not.
	if err := r.store.InsertSignal(ctx, sig); err != nil {
		return Outcome{}, fmt.Errorf("router: persist signal: %w", err)
	}
	if parseErr != nil {
		r.logger.Warn("unparseable signal dropped",
			slog.Int64("strategy_id", strategy.ID),
			slog.String("signal_id", sig.ID))
		return Outcome{SignalID: sig.ID, Status: domain.SignalUnparseable, Reason: parseErr.Error()}, nil
	}

	if r.dedup.IsDuplicate(sig.DedupKey) {
		r.setStatus(ctx, sig.ID, domain.SignalDuplicate, "duplicate within window")
		return Outcome{SignalID: sig.ID, Status: domain.SignalDuplicate, Reason: "duplicate within window"}, nil
	}

	action := p.Action
	if strategy.Filters.Inverse {
		action = action.Inverted()
	}

	if reason := r.filter(strategy, action, now); reason != "" {
		r.setStatus(ctx, sig.ID, domain.SignalFiltered, reason)
		return Outcome{SignalID: sig.ID, Status: domain.SignalFiltered, Reason: reason}, nil
	}
	r.markAccepted(strategy.ID, now)
	r.setStatus(ctx, sig.ID, domain.SignalAccepted, "")

	outcome := r.fanOut(ctx, strategy, action, sig, now)
	r.publish(ctx, sig, action, outcome)
	return outcome, nil
}

// filter runs the strategy-level gates in their fixed order and returns
// the first reason to drop, or empty when the signal passes.
func (r *Router) filter(s domain.Strategy, action domain.SignalAction, now time.Time) string {
	f := s.Filters

	// The every-Nth gate runs first: it counts every non-duplicate
	// signal, including ones a later gate would drop, so the cadence
	// stays anchored to what the strategy actually emitted.
	if f.SignalDelayIsSet() {
		r.mu.Lock()
		st := r.stateLocked(s.ID, now)
		st.delaySeen++
		pass := st.delaySeen%f.SignalDelay == 0
		r.mu.Unlock()
		if !pass {
			return "signal_delay"
		}
	}

	if !s.Enabled {
		return "recording_disabled"
	}

	if f.Direction != "" && f.Direction != domain.DirBoth && !action.IsClose() {
		if action == domain.ActionBuy && f.Direction != domain.DirLong {
			return "direction"
		}
		if action == domain.ActionSell && f.Direction != domain.DirShort {
			return "direction"
		}
	}

	if f.WindowsConfigured() && !f.InsideWindow(now) {
		return "outside_window"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(s.ID, now)
	if f.MaxSignalsIsSet() && st.accepted >= f.MaxSignalsPerSession {
		return "max_signals_per_session"
	}
	if f.CooldownIsSet() && !st.lastAccepted.IsZero() && now.Sub(st.lastAccepted) < f.SignalCooldown {
		return "cooldown"
	}
	return ""
}

// fanOut builds and queues one execution task per enabled trader.
func (r *Router) fanOut(ctx context.Context, s domain.Strategy, action domain.SignalAction, sig *domain.Signal, now time.Time) Outcome {
	out := Outcome{SignalID: sig.ID, Status: domain.SignalAccepted}

	traders, err := r.store.ListTradersForStrategy(ctx, s.ID, true)
	if err != nil {
		r.logger.Error("trader fan-out failed",
			slog.Int64("strategy_id", s.ID),
			slog.String("error", err.Error()))
		return out
	}

	for _, tr := range traders {
		eff := domain.ResolveEffective(s, tr)

		// Pipeline separation: a copy follower never also executes
		// signals on the same symbol.
		if active, err := r.store.IsActiveFollower(ctx, tr.AccountID, eff.Symbol); err == nil && active {
			r.logger.Debug("trader skipped, active copy follower",
				slog.Int64("trader_id", tr.ID),
				slog.String("symbol", eff.Symbol))
			continue
		}

		if eff.Filters.MaxDailyLossIsSet() {
			pl, err := r.store.DailyRealizedPL(ctx, tr.ID, r.sessionStart(now))
			if err == nil && pl <= -eff.Filters.MaxDailyLoss {
				r.logger.Warn("trader skipped, daily loss cap hit",
					slog.Int64("trader_id", tr.ID),
					slog.Float64("realized", pl))
				continue
			}
		}

		task := engine.Task{
			Config:   eff,
			Action:   action,
			SignalID: sig.ID,
			// The multiplier applies exactly once, here.
			EntryQty: eff.ScaledQty(eff.InitialSize),
			AddQty:   eff.ScaledQty(eff.AddSize),
		}
		if sig.Price != nil {
			task.Price = *sig.Price
		}

		name := fmt.Sprintf("exec:s%d:t%d:%s", s.ID, tr.ID, action)
		err := r.queue.Submit(ctx, name, func(ctx context.Context) error {
			return r.exec.Execute(ctx, task)
		})
		if err != nil {
			// Queue pressure is not the sender's problem; the drop is
			// already counted by the pool.
			out.Dropped++
			r.logger.Warn("execution task dropped",
				slog.Int64("trader_id", tr.ID),
				slog.String("error", err.Error()))
			continue
		}
		out.Enqueued++
	}
	return out
}

// stateLocked returns the session bookkeeping for a strategy, rolling
// it over at the session-day boundary. Callers hold r.mu.
func (r *Router) stateLocked(strategyID int64, now time.Time) *strategyState {
	day := now.Format("2006-01-02")
	if r.states == nil {
		r.states = make(map[int64]*strategyState)
	}
	st, ok := r.states[strategyID]
	if !ok || st.day != day {
		st = &strategyState{day: day}
		r.states[strategyID] = st
	}
	return st
}

func (r *Router) markAccepted(strategyID int64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(strategyID, now)
	st.accepted++
	st.lastAccepted = now
}

// sessionStart is midnight of the current session day.
func (r *Router) sessionStart(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, r.loc)
}

func (r *Router) setStatus(ctx context.Context, id string, status domain.SignalStatus, reason string) {
	if err := r.store.UpdateSignalStatus(ctx, id, status, reason); err != nil {
		r.logger.Error("signal status update failed",
			slog.String("signal_id", id),
			slog.String("error", err.Error()))
	}
}

func (r *Router) publish(ctx context.Context, sig *domain.Signal, action domain.SignalAction, out Outcome) {
	if r.bus == nil {
		return
	}
	ev := map[string]any{
		"signal_id":   sig.ID,
		"strategy_id": sig.StrategyID,
		"action":      string(action),
		"ticker":      sig.Ticker,
		"enqueued":    out.Enqueued,
	}
	if err := r.bus.Publish(ctx, domain.ChanSignals, ev); err != nil {
		r.logger.Debug("signal event publish failed", slog.String("error", err.Error()))
	}
}

// Cleanup evicts expired dedup entries; run it on a slow ticker.
func (r *Router) Cleanup() { r.dedup.Cleanup() }
