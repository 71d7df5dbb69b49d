// Package server is the external HTTP surface: the signal webhook, the
// monitoring endpoints, the admin operations, and the event websocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/domain"
	"github.com/jtradehq/jtrade/internal/server/handler"
	"github.com/jtradehq/jtrade/internal/server/middleware"
	"github.com/jtradehq/jtrade/internal/server/ws"
)

// Handlers aggregates everything the server registers.
type Handlers struct {
	Webhook   *handler.WebhookHandler
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Execution *handler.ExecutionHandler
	Accounts  *handler.AccountsHandler
	Admin     *handler.AdminHandler
	Events    *ws.Hub
}

// Server hosts the platform's HTTP listener.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New registers every route. The webhook path carries no rate limit and
// no admin key; the alert source must always land its 2xx. Everything
// under /api/ goes through the admin-key gate (writes) and the API rate
// limiter.
func New(cfg config.ServerConfig, h Handlers, gate domain.RateGate, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/broker-execution/status", h.Execution.Status)
	api.HandleFunc("GET /api/broker-execution/failures", h.Execution.Failures)
	api.HandleFunc("GET /api/accounts/auth-status", h.Accounts.AuthStatus)
	api.HandleFunc("POST /api/run-migrations", h.Admin.RunMigrations)
	api.HandleFunc("POST /api/admin/flatten/{account}", h.Admin.FlattenAccount)
	if h.Events != nil {
		api.HandleFunc("GET /api/events", h.Events.Handle)
	}

	var apiChain http.Handler = api
	if gate != nil {
		apiChain = middleware.RateLimit(gate)(apiChain)
	}
	apiChain = middleware.AdminKey(cfg.AdminKey)(apiChain)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{token}", h.Webhook.Receive)
	mux.HandleFunc("GET /health", h.Health.Check)
	mux.HandleFunc("GET /status", h.Status.Get)
	mux.Handle("/api/", apiChain)

	root := middleware.Logging(logger)(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      root,
			ReadTimeout:  cfg.ReadTimeout.Duration,
			WriteTimeout: cfg.WriteTimeout.Duration,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler exposes the chained root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
