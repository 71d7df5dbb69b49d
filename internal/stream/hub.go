// Package stream is the shared broker streaming layer: one websocket
// per credential, multiplexed across every component that wants fills,
// orders, positions, or balances.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/domain"
)

// Hub owns every streaming socket in the process. Listeners hold only
// the opaque id returned by Register.
type Hub struct {
	cfg     config.StreamConfig
	framers map[domain.Broker]Framer
	tokens  domain.TokenSource
	bus     domain.EventBus
	dialer  Dialer
	gate    *ConnectGate
	logger  *slog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conns      map[string]*tokenConn // by token key
	byListener map[string]*tokenConn
}

// NewHub wires the hub. A nil dialer selects the production websocket
// dialer.
func NewHub(cfg config.StreamConfig, framers []Framer, tokens domain.TokenSource, bus domain.EventBus, dialer Dialer, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = WSDialer{}
	}

	fm := make(map[domain.Broker]Framer, len(framers))
	for _, f := range framers {
		fm[f.Broker()] = f
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		framers:    fm,
		tokens:     tokens,
		bus:        bus,
		dialer:     dialer,
		gate:       NewConnectGate(cfg.ConnectConcurrency, cfg.ConnectSpacing.Duration),
		logger:     logger.With(slog.String("component", "stream")),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*tokenConn),
		byListener: make(map[string]*tokenConn),
	}
}

// Register adds a listener. The first registration for a token key
// spins up its connection; later ones share it, widening the
// subscription union on the next socket.
func (h *Hub) Register(sub domain.StreamSubscription) (string, error) {
	if sub.Listener == nil {
		return "", fmt.Errorf("stream: register: %w: nil listener", domain.ErrBadRequest)
	}
	if sub.TokenKey == "" {
		return "", fmt.Errorf("stream: register: %w: empty token key", domain.ErrBadRequest)
	}
	framer, ok := h.framers[sub.Broker]
	if !ok {
		return "", fmt.Errorf("stream: register: %w: no framer for broker %q", domain.ErrBadRequest, sub.Broker)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[sub.TokenKey]
	if !ok {
		conn = newTokenConn(h, sub, framer)
		cctx, cancel := context.WithCancel(h.ctx)
		conn.cancel = cancel
		h.conns[sub.TokenKey] = conn
		go conn.run(cctx)
	}

	id := uuid.NewString()
	conn.addListener(id, sub)
	h.byListener[id] = conn

	h.logger.Info("listener registered",
		slog.String("listener_id", id),
		slog.String("token_key", sub.TokenKey),
		slog.Int("subaccounts", len(sub.Subaccounts)))
	return id, nil
}

// Unregister removes a listener; the last one off a token key tears
// its connection down.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	conn, ok := h.byListener[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.byListener, id)
	remaining := conn.removeListener(id)
	if remaining == 0 {
		delete(h.conns, conn.tokenKey)
	}
	h.mu.Unlock()

	if remaining == 0 {
		conn.stop()
		h.logger.Info("connection torn down", slog.String("token_key", conn.tokenKey))
	}
}

// Status reports every connection for monitoring.
func (h *Hub) Status() domain.HubStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := domain.HubStatus{Tokens: make(map[string]domain.TokenStreamStatus, len(h.conns))}
	for key, conn := range h.conns {
		out.Tokens[key] = conn.status()
	}
	return out
}

// CredentialsChanged wakes connections parked at Dead after an auth
// failure on the account.
func (h *Hub) CredentialsChanged(accountID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.conns {
		if conn.authAccountID == accountID {
			conn.notifyCredentialsChanged()
		}
	}
}

// Close tears down every connection and waits for their loops.
func (h *Hub) Close() error {
	h.cancel()

	h.mu.Lock()
	conns := make([]*tokenConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*tokenConn)
	h.byListener = make(map[string]*tokenConn)
	h.mu.Unlock()

	for _, c := range conns {
		<-c.done
	}
	return nil
}

// stagger returns the uniform random delay applied before a
// connection's first dial, spreading process-start connections out.
func (h *Hub) stagger() time.Duration {
	max := h.cfg.InitialStaggerMax.Duration
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// publishState reports a state transition on the event bus,
// best-effort.
func (h *Hub) publishState(b domain.Broker, tokenKey string, from, to domain.ConnState) {
	if h.bus == nil {
		return
	}
	payload := map[string]any{
		"type":      "stream_state",
		"broker":    string(b),
		"token_key": tokenKey,
		"from":      string(from),
		"to":        string(to),
		"at":        h.now().UTC(),
	}
	if err := h.bus.Publish(h.ctx, domain.ChanStream, payload); err != nil {
		h.logger.Warn("bus publish failed", slog.String("error", err.Error()))
	}
}

// publishEvent relays fills to the bus for the monitoring stream.
func (h *Hub) publishEvent(ev domain.StreamEvent) {
	if h.bus == nil || ev.Type != domain.StreamFill || ev.Fill == nil {
		return
	}
	payload := map[string]any{
		"type":       "fill",
		"broker":     string(ev.Broker),
		"token_key":  ev.TokenKey,
		"subaccount": ev.Fill.Subaccount,
		"symbol":     ev.Fill.Symbol,
		"side":       string(ev.Fill.Side),
		"qty":        ev.Fill.Qty,
		"price":      ev.Fill.Price,
		"at":         ev.At.UTC(),
	}
	if err := h.bus.Publish(h.ctx, domain.ChanStream, payload); err != nil {
		h.logger.Warn("bus publish failed", slog.String("error", err.Error()))
	}
}

var _ domain.StreamHub = (*Hub)(nil)
