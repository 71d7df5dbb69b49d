package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jtradehq/jtrade/internal/domain"
	"github.com/jtradehq/jtrade/internal/jobs"
	"github.com/jtradehq/jtrade/internal/pool"
	"github.com/jtradehq/jtrade/internal/router"
	"github.com/jtradehq/jtrade/internal/server"
	"github.com/jtradehq/jtrade/internal/server/handler"
	"github.com/jtradehq/jtrade/internal/server/ws"
)

// recorderRefreshInterval re-diffs the set of tracked accounts against
// the trader table so newly enabled traders pick up a listener without
// a restart.
const recorderRefreshInterval = time.Minute

// signalIngestor is the router's webhook entry point.
type signalIngestor interface {
	Ingest(ctx context.Context, token string, body []byte) (router.Outcome, error)
}

// ingestDispatch runs webhook bodies through the ingest pool so signal
// parsing shares its bounded queue, and answers within the ingest
// deadline.
type ingestDispatch struct {
	pool     *pool.Pool
	router   signalIngestor
	deadline time.Duration
}

func (d *ingestDispatch) Ingest(ctx context.Context, token string, body []byte) (router.Outcome, error) {
	type result struct {
		out router.Outcome
		err error
	}
	ch := make(chan result, 1)

	if err := d.pool.Submit(ctx, "signal_ingest", func(taskCtx context.Context) error {
		out, err := d.router.Ingest(taskCtx, token, body)
		ch <- result{out: out, err: err}
		return err
	}); err != nil {
		return router.Outcome{}, err
	}

	deadline := d.deadline
	if deadline <= 0 {
		deadline = 3 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.out, res.err
	case <-ctx.Done():
		return router.Outcome{}, ctx.Err()
	case <-timer.C:
		return router.Outcome{}, fmt.Errorf("signal ingest: %w", domain.ErrTimeout)
	}
}

// ServeMode runs the full platform: migrations, pools, stream
// listeners, background jobs, and the HTTP server. It blocks until the
// context is cancelled, then shuts down front-to-back: listener first,
// ingest before exec, listeners before connections.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	if err := deps.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("serve: migrate: %w", err)
	}

	deps.IngestPool.Start()
	deps.ExecPool.Start()

	// Prime tokens so the first webhook does not pay the refresh
	// round-trips.
	if err := deps.Keeper.Sweep(ctx); err != nil {
		a.logger.Warn("initial credential sweep failed", slog.String("error", err.Error()))
	}

	if err := deps.Recorder.Start(ctx); err != nil {
		a.logger.Warn("recorder start incomplete", slog.String("error", err.Error()))
	}
	if a.cfg.Copy.Enabled {
		if err := deps.Copier.Start(ctx); err != nil {
			a.logger.Warn("copy engine start incomplete", slog.String("error", err.Error()))
		}
	}

	runner := jobs.NewRunner(a.logger)
	runner.Add("keeper.sweep", a.cfg.Keeper.SweepInterval.Duration, deps.Keeper.Sweep)
	runner.Add("recorder.refresh", recorderRefreshInterval, deps.Recorder.Refresh)
	runner.Add("router.dedup_cleanup", a.cfg.Router.DedupWindow.Duration, func(context.Context) error {
		deps.Router.Cleanup()
		return nil
	})
	if a.cfg.Reconciler.Enabled {
		runner.Add("reconcile.sweep", a.cfg.Reconciler.Interval.Duration, deps.Reconciler.Sweep)
	}
	if deps.Archiver != nil {
		runner.Add("archive.run", a.cfg.Archive.Interval.Duration, deps.Archiver.Run)
	}
	runner.Start(ctx)

	events := ws.NewHub(deps.Bus, a.logger)

	srv := server.New(a.cfg.Server, server.Handlers{
		Webhook: handler.NewWebhookHandler(&ingestDispatch{
			pool:     deps.IngestPool,
			router:   deps.Router,
			deadline: a.cfg.Pools.IngestDeadline.Duration,
		}, a.logger),
		Health:    handler.NewHealthHandler(deps.Store),
		Status:    handler.NewStatusHandler(deps.Hub, []*pool.Pool{deps.IngestPool, deps.ExecPool}, time.Now()),
		Execution: handler.NewExecutionHandler(deps.Store, a.logger),
		Accounts:  handler.NewAccountsHandler(deps.Store),
		Admin:     handler.NewAdminHandler(deps.Store, deps.Engine, deps.Store, a.logger),
		Events:    events,
	}, deps.APIGate, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(gctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	err := g.Wait()

	runner.Stop()
	_ = deps.IngestPool.Close()
	_ = deps.ExecPool.Close()
	if a.cfg.Copy.Enabled {
		deps.Copier.Stop()
	}
	deps.Recorder.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// MigrateMode applies schema migrations and exits.
func (a *App) MigrateMode(ctx context.Context, deps *Dependencies) error {
	if err := deps.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("migrations applied")
	return nil
}

// FlattenMode closes every open position the platform knows about and
// exits. It is the emergency stop: one broker round per distinct
// account+symbol pair with an open trade record.
func (a *App) FlattenMode(ctx context.Context, deps *Dependencies) error {
	trades, err := deps.Store.ListAllOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("flatten: list open trades: %w", err)
	}

	seen := map[string]bool{}
	var flattened, failed int
	for _, t := range trades {
		key := fmt.Sprintf("%d:%s", t.AccountID, t.Symbol)
		if seen[key] {
			continue
		}
		seen[key] = true

		trader, err := deps.Store.GetTrader(ctx, t.TraderID)
		if err != nil {
			a.logger.Error("flatten: load trader failed",
				slog.Int64("trader_id", t.TraderID), slog.String("error", err.Error()))
			failed++
			continue
		}
		strategy, err := deps.Store.GetStrategy(ctx, t.StrategyID)
		if err != nil {
			a.logger.Error("flatten: load strategy failed",
				slog.Int64("strategy_id", t.StrategyID), slog.String("error", err.Error()))
			failed++
			continue
		}

		eff := domain.ResolveEffective(strategy, trader)
		if err := deps.Engine.Flatten(ctx, eff, domain.ExitManualCleanup); err != nil {
			a.logger.Error("flatten failed",
				slog.Int64("account_id", t.AccountID),
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()))
			failed++
			continue
		}
		flattened++
	}

	a.logger.Info("flatten complete", slog.Int("flattened", flattened), slog.Int("failed", failed))
	if failed > 0 && flattened == 0 {
		return fmt.Errorf("flatten: all %d targets failed", failed)
	}
	return nil
}
