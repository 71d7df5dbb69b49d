// Package reconcile is the safety net behind the execution engine: a
// periodic sweep that compares recorded trades against live broker
// state and repairs whatever the real-time path dropped — phantom
// records, drifted quantities, missing take-profits, positions left
// open past the session cutoff.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/domain"
	"github.com/jtradehq/jtrade/internal/engine"
)

// lockKey serializes the sweep across replicas.
const lockKey = "lock:reconcile"

// Liveness reports whether a real-time listener is tracking an
// account+symbol. Tracked recorders never get auto-placed TPs here;
// the listener owns them.
type Liveness interface {
	Tracking(accountID int64, symbol string) bool
}

// Broker is the slice of the execution engine the sweep drives.
type Broker interface {
	Inspect(ctx context.Context, cfg domain.Effective) (engine.Snapshot, error)
	Flatten(ctx context.Context, cfg domain.Effective, reason string) error
	PlaceMissingTPs(ctx context.Context, cfg domain.Effective, trade domain.Trade, avg float64) error
	SetTradeQty(ctx context.Context, tradeID int64, qty int) error
	CloseTradeRecord(ctx context.Context, trade domain.Trade, reason string) error
}

// Store is the persistence surface the sweep reads and repairs.
type Store interface {
	domain.TraderStore
	domain.StrategyStore
	domain.TradeStore
	domain.AuditStore
}

// Reconciler runs the periodic sweep.
type Reconciler struct {
	cfg    config.ReconcilerConfig
	store  Store
	exec   Broker
	locks  domain.LockManager
	live   Liveness
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg config.ReconcilerConfig, store Store, exec Broker, locks domain.LockManager, live Liveness, loc *time.Location, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{
		cfg:    cfg,
		store:  store,
		exec:   exec,
		locks:  locks,
		live:   live,
		loc:    loc,
		logger: logger.With(slog.String("component", "reconciler")),
		now:    time.Now,
	}
}

// Sweep runs one full pass over every enabled trader. When another
// replica holds the sweep lock it returns nil without doing anything.
func (r *Reconciler) Sweep(ctx context.Context) error {
	unlock, err := r.locks.Acquire(ctx, lockKey, r.cfg.Interval.Duration)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil
		}
		return fmt.Errorf("reconcile: acquire lock: %w", err)
	}
	defer unlock()

	traders, err := r.store.ListEnabledTraders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list traders: %w", err)
	}

	for _, trader := range traders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		strategy, err := r.store.GetStrategy(ctx, trader.StrategyID)
		if err != nil {
			r.logger.Error("strategy lookup failed",
				slog.Int64("trader_id", trader.ID),
				slog.String("error", err.Error()))
			continue
		}
		if strategy.Archived {
			continue
		}
		eff := domain.ResolveEffective(strategy, trader)
		if err := r.sweepTrader(ctx, eff); err != nil {
			r.logger.Warn("trader sweep failed",
				slog.Int64("trader_id", trader.ID),
				slog.Int64("account_id", eff.AccountID),
				slog.String("symbol", eff.Symbol),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// sweepTrader applies the repair ladder for one trader. Each rung only
// fires when the one above it left something to do, so re-running a
// sweep on unchanged broker state is a no-op.
func (r *Reconciler) sweepTrader(ctx context.Context, eff domain.Effective) error {
	trade, hasTrade, err := r.openTrade(ctx, eff)
	if err != nil {
		return err
	}

	snap, err := r.exec.Inspect(ctx, eff)
	if err != nil {
		return err
	}

	// Broker flat, record open: the fill that closed it never reached
	// us. Settle the record.
	if snap.Qty == 0 && hasTrade {
		if err := r.exec.CloseTradeRecord(ctx, trade, domain.ExitBrokerFlat); err != nil {
			return err
		}
		r.audit(ctx, "reconcile.broker_flat", trade, map[string]any{})
		trade, hasTrade = domain.Trade{}, false
	}

	// Quantity drift: the broker's count wins.
	if hasTrade && snap.Qty != 0 {
		if sameSign(snap.Qty, trade.SignedQty()) && absInt(snap.Qty) != trade.Qty {
			if err := r.exec.SetTradeQty(ctx, trade.ID, absInt(snap.Qty)); err != nil {
				return err
			}
			r.audit(ctx, "reconcile.qty_drift", trade, map[string]any{
				"recorded": trade.Qty,
				"broker":   absInt(snap.Qty),
			})
			trade.Qty = absInt(snap.Qty)
		}
	}

	// Missing take-profit. Skipped when a live listener tracks the
	// recorder, which is what makes N sweeps equal one.
	if hasTrade && snap.Qty != 0 && len(eff.TPLegs) > 0 &&
		!snap.HasRestingTP(trade.Side) &&
		(r.live == nil || !r.live.Tracking(eff.AccountID, eff.Symbol)) {
		avg := snap.AvgPrice
		if avg == 0 {
			avg = trade.EntryPrice
		}
		if err := r.exec.PlaceMissingTPs(ctx, eff, trade, avg); err != nil {
			return err
		}
		r.audit(ctx, "reconcile.auto_tp", trade, map[string]any{
			"avg_entry": avg,
		})
	}

	// Auto-flat past the session cutoff.
	if snap.Qty != 0 && r.pastCutoff(eff.Filters) {
		if err := r.exec.Flatten(ctx, eff, domain.ExitAutoFlat); err != nil {
			return err
		}
		r.audit(ctx, "reconcile.auto_flat", trade, map[string]any{
			"cutoff": eff.Filters.AutoFlatCutoff,
			"qty":    snap.Qty,
		})
		return nil
	}

	// Stale records: open since before today's session and past grace.
	if hasTrade && r.isStale(trade) {
		if err := r.exec.CloseTradeRecord(ctx, trade, domain.ExitManualCleanup); err != nil {
			return err
		}
		r.audit(ctx, "reconcile.stale_cleanup", trade, map[string]any{
			"entry_at": trade.EntryAt,
		})
	}
	return nil
}

func (r *Reconciler) openTrade(ctx context.Context, eff domain.Effective) (domain.Trade, bool, error) {
	trades, err := r.store.ListOpenTradesForAccount(ctx, eff.AccountID, eff.Symbol)
	if err != nil {
		return domain.Trade{}, false, err
	}
	for _, t := range trades {
		if t.TraderID == eff.TraderID {
			return t, true, nil
		}
	}
	return domain.Trade{}, false, nil
}

// pastCutoff reports whether local time has crossed the auto-flat
// cutoff ("HH:MM") for the current day.
func (r *Reconciler) pastCutoff(f domain.Filters) bool {
	if !f.AutoFlat || f.AutoFlatCutoff == "" {
		return false
	}
	h, m, ok := parseHHMM(f.AutoFlatCutoff)
	if !ok {
		return false
	}
	now := r.now().In(r.loc)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, r.loc)
	return !now.Before(cutoff)
}

// isStale reports whether a trade opened before the current session is
// still open past the grace window.
func (r *Reconciler) isStale(t domain.Trade) bool {
	if r.cfg.StaleGrace.Duration <= 0 {
		return false
	}
	now := r.now().In(r.loc)
	sessionStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.loc)
	return t.EntryAt.Before(sessionStart) && now.Sub(sessionStart) >= r.cfg.StaleGrace.Duration
}

func (r *Reconciler) audit(ctx context.Context, event string, t domain.Trade, detail map[string]any) {
	detail["trade_id"] = t.ID
	detail["account_id"] = t.AccountID
	detail["symbol"] = t.Symbol
	if err := r.store.AppendAudit(ctx, event, detail); err != nil {
		r.logger.Error("audit append failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
	r.logger.Info("repair applied",
		slog.String("event", event),
		slog.Int64("trade_id", t.ID),
		slog.String("symbol", t.Symbol))
}

func parseHHMM(s string) (int, int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

func sameSign(a, b int) bool { return (a > 0) == (b > 0) }

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
