// Package app owns the top-level lifecycle: it wires the dependency
// graph from configuration and runs the selected operating mode
// (serve, migrate, or flatten), tearing resources down in reverse
// wiring order on shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jtradehq/jtrade/internal/config"
)

// App is the root application object. It owns the configuration, the
// logger, and the cleanup chain built during wiring.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependency graph, dispatches to the configured mode,
// and blocks until that mode returns. Callers must invoke Close
// afterwards to release wired resources.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", a.cfg.Mode),
		slog.String("store", a.cfg.Store.Backend),
		slog.Bool("redis", a.cfg.Redis.Enabled()),
		slog.Int("brokers", a.cfg.Brokers.ActiveCount()),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch a.cfg.Mode {
	case "serve":
		return a.ServeMode(ctx, deps)
	case "migrate":
		return a.MigrateMode(ctx, deps)
	case "flatten":
		return a.FlattenMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close releases wired resources in reverse order. Safe to call more
// than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	a.logger.Info("stopped")
}
