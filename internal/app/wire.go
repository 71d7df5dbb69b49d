package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/jtradehq/jtrade/internal/blob/s3"
	"github.com/jtradehq/jtrade/internal/broker"
	"github.com/jtradehq/jtrade/internal/broker/equitix"
	"github.com/jtradehq/jtrade/internal/broker/propfirm"
	"github.com/jtradehq/jtrade/internal/broker/tradex"
	"github.com/jtradehq/jtrade/internal/cache/local"
	"github.com/jtradehq/jtrade/internal/cache/redis"
	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/copytrade"
	"github.com/jtradehq/jtrade/internal/creds"
	"github.com/jtradehq/jtrade/internal/crypto"
	"github.com/jtradehq/jtrade/internal/domain"
	"github.com/jtradehq/jtrade/internal/engine"
	"github.com/jtradehq/jtrade/internal/pool"
	"github.com/jtradehq/jtrade/internal/reconcile"
	"github.com/jtradehq/jtrade/internal/router"
	"github.com/jtradehq/jtrade/internal/service"
	"github.com/jtradehq/jtrade/internal/store"
	"github.com/jtradehq/jtrade/internal/stream"
)

// Shared per-token broker request budget. Every account riding one
// credential draws from the same window.
const (
	brokerRateLimit  = 180
	brokerRateWindow = time.Minute
)

// Dependencies bundles everything the operating modes need. Wire
// builds only the slice of the graph the configured mode uses; unused
// fields stay nil.
type Dependencies struct {
	Store *store.Store
	Redis *redis.Client

	Bus        domain.EventBus
	Locks      domain.LockManager
	TokenCache domain.TokenCache
	BrokerGate domain.RateGate
	APIGate    domain.RateGate

	Brokers *broker.Registry
	Keeper  *creds.Keeper
	Engine  *engine.Engine
	Hub     *stream.Hub

	IngestPool *pool.Pool
	ExecPool   *pool.Pool
	Router     *router.Router
	Copier     *copytrade.Engine
	Recorder   *service.Recorder
	Reconciler *reconcile.Reconciler
	Archiver   *s3blob.Archiver

	Loc *time.Location
}

// needsExecution reports whether the mode places broker calls.
func needsExecution(mode string) bool {
	return mode == "serve" || mode == "flatten"
}

// Wire constructs the dependency graph for the configured mode and
// returns it with a cleanup function that releases resources in
// reverse construction order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Loc: cfg.SessionLocation()}

	// --- Persistence ---
	cipher, err := crypto.NewCredCipher(cfg.Store.CredPassphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: cred cipher: %w", err)
	}
	st, err := store.Open(ctx, cfg.Store, cipher, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: store: %w", err)
	}
	closers = append(closers, func() { _ = st.Close() })
	deps.Store = st

	if cfg.Mode == "migrate" {
		return deps, cleanup, nil
	}

	// --- Coordination layer: Redis when configured, in-process
	// fallbacks otherwise ---
	if cfg.Redis.Enabled() {
		rc, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Redis = rc
		deps.Bus = redis.NewEventBus(rc)
		deps.Locks = redis.NewLockManager(rc)
		deps.TokenCache = redis.NewTokenCache(rc)
		deps.BrokerGate = redis.NewRateGate(rc, brokerRateLimit, brokerRateWindow)
		if cfg.Server.APIRatePerMin > 0 {
			deps.APIGate = redis.NewRateGate(rc, cfg.Server.APIRatePerMin, time.Minute)
		}
	} else {
		deps.Bus = local.NewBus()
		deps.Locks = local.NewLockManager()
		deps.TokenCache = local.NewTokenCache()
		deps.BrokerGate = local.NewRateGate(brokerRateLimit, brokerRateWindow)
		if cfg.Server.APIRatePerMin > 0 {
			deps.APIGate = local.NewRateGate(cfg.Server.APIRatePerMin, time.Minute)
		}
	}

	if !needsExecution(cfg.Mode) {
		return deps, cleanup, nil
	}

	// --- Brokers ---
	// The tradex client doubles as the keeper's OAuth refresher, so it
	// is built even when the adapter itself is disabled.
	tradexClient := tradex.NewClient(cfg.Brokers.Tradex, deps.BrokerGate, logger)

	var adapters []domain.BrokerAdapter
	var framers []stream.Framer
	if cfg.Brokers.Tradex.Enabled {
		adapters = append(adapters, tradex.NewAdapter(tradexClient))
		framers = append(framers, tradex.NewFramer(cfg.Brokers.Tradex.WsURL, cfg.Brokers.Tradex.DemoURL))
	}
	if cfg.Brokers.Propfirm.Enabled {
		adapters = append(adapters, propfirm.NewAdapter(cfg.Brokers.Propfirm, deps.BrokerGate, logger))
		framers = append(framers, propfirm.NewFramer(cfg.Brokers.Propfirm.WsURL, cfg.Brokers.Propfirm.DemoURL))
	}
	if cfg.Brokers.Equitix.Enabled {
		// REST-only; the reconciler is its consistency fallback.
		adapters = append(adapters, equitix.NewAdapter(cfg.Brokers.Equitix, deps.BrokerGate, logger))
	}
	deps.Brokers = broker.NewRegistry(adapters...)

	deps.Keeper = creds.NewKeeper(st, tradexClient, deps.TokenCache, cfg.Keeper, logger)
	deps.Engine = engine.New(deps.Brokers, st, deps.Keeper, deps.Bus, logger)

	if cfg.Mode != "serve" {
		return deps, cleanup, nil
	}

	// --- Streaming ---
	deps.Hub = stream.NewHub(cfg.Stream, framers, deps.Keeper, deps.Bus, stream.WSDialer{}, logger)
	closers = append(closers, func() { _ = deps.Hub.Close() })

	// --- Pipeline ---
	deps.IngestPool = pool.New("ingest",
		cfg.Pools.IngestWorkers, cfg.Pools.IngestQueue,
		cfg.Pools.EnqueueTimeout.Duration, cfg.Pools.IngestDeadline.Duration, logger)
	deps.ExecPool = pool.New("exec",
		cfg.Pools.ExecWorkers, cfg.Pools.ExecQueue,
		cfg.Pools.EnqueueTimeout.Duration, cfg.Pools.ExecTaskTimeout.Duration, logger)

	deps.Router = router.New(cfg.Router, st, deps.Engine, deps.ExecPool, deps.Bus, deps.Loc, logger)
	deps.Copier = copytrade.New(cfg.Copy, st, deps.Hub, deps.Engine, logger)
	deps.Recorder = service.NewRecorder(st, deps.Hub, deps.Bus, deps.Engine, logger)
	deps.Reconciler = reconcile.New(cfg.Reconciler, st, deps.Engine, deps.Locks, deps.Recorder, deps.Loc, logger)

	// --- Archival ---
	if cfg.S3.Enabled() {
		s3c, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3c), st, cfg.Archive.RetainDays, logger)
	}

	return deps, cleanup, nil
}
