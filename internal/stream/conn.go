package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

const initialBackoff = 2 * time.Second

// tokenConn owns one streaming socket for one (broker, token-key)
// pair. All accounts sharing the credential ride this connection; the
// union of their subaccounts is subscribed exactly once per socket
// lifetime.
type tokenConn struct {
	hub      *Hub
	broker   domain.Broker
	env      domain.Environment
	tokenKey string
	framer   Framer
	logger   *slog.Logger

	mu            sync.Mutex
	listeners     map[string]domain.StreamSubscription
	subscribed    map[string]struct{} // union sent on the current socket
	state         domain.ConnState
	lastMsg       time.Time
	tokenIssued   time.Time
	reconnects    int64
	authAccountID int64

	credsChanged chan struct{}
	reconnect    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func newTokenConn(hub *Hub, sub domain.StreamSubscription, framer Framer) *tokenConn {
	return &tokenConn{
		hub:           hub,
		broker:        sub.Broker,
		env:           sub.Environment,
		tokenKey:      sub.TokenKey,
		framer:        framer,
		logger:        hub.logger.With(slog.String("token_key", sub.TokenKey)),
		listeners:     make(map[string]domain.StreamSubscription),
		subscribed:    make(map[string]struct{}),
		state:         domain.ConnIdle,
		authAccountID: sub.AccountID,
		credsChanged:  make(chan struct{}, 1),
		reconnect:     make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// addListener registers a subscription. When the live socket's union
// misses one of the new subaccounts, the connection recycles; the
// replacement socket subscribes with the larger union.
func (c *tokenConn) addListener(id string, sub domain.StreamSubscription) {
	c.mu.Lock()
	c.listeners[id] = sub

	needsResub := false
	if c.state == domain.ConnLive || c.state == domain.ConnSilent {
		for _, acct := range sub.Subaccounts {
			if _, ok := c.subscribed[acct]; !ok {
				needsResub = true
				break
			}
		}
	}
	c.mu.Unlock()

	if needsResub {
		c.requestReconnect()
	}
}

func (c *tokenConn) removeListener(id string) (remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
	return len(c.listeners)
}

// union returns the current subaccount union across listeners.
func (c *tokenConn) union() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]struct{})
	for _, sub := range c.listeners {
		for _, acct := range sub.Subaccounts {
			set[acct] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for acct := range set {
		out = append(out, acct)
	}
	return out
}

func (c *tokenConn) requestReconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// notifyCredentialsChanged wakes a connection parked at Dead after an
// auth failure.
func (c *tokenConn) notifyCredentialsChanged() {
	select {
	case c.credsChanged <- struct{}{}:
	default:
	}
}

func (c *tokenConn) setState(s domain.ConnState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev == s {
		return
	}

	c.logger.Info("stream state change",
		slog.String("from", string(prev)),
		slog.String("to", string(s)))
	c.hub.publishState(c.broker, c.tokenKey, prev, s)
}

func (c *tokenConn) touch() {
	c.mu.Lock()
	c.lastMsg = c.hub.now()
	silent := c.state == domain.ConnSilent
	c.mu.Unlock()
	if silent {
		c.setState(domain.ConnLive)
	}
}

func (c *tokenConn) status() domain.TokenStreamStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.hub.now()
	var msgAge, tokenAge time.Duration
	if !c.lastMsg.IsZero() {
		msgAge = now.Sub(c.lastMsg)
	}
	if !c.tokenIssued.IsZero() {
		tokenAge = now.Sub(c.tokenIssued)
	}
	return domain.TokenStreamStatus{
		Broker:         c.broker,
		State:          c.state,
		Connected:      c.state == domain.ConnLive || c.state == domain.ConnSilent,
		LastMessageAge: msgAge,
		ListenerCount:  len(c.listeners),
		TokenAge:       tokenAge,
		Reconnects:     c.reconnects,
	}
}

// run is the connection supervisor: stagger, connect, stream, back
// off, repeat. Auth failures park at Dead until credentials change.
func (c *tokenConn) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(domain.ConnIdle)

	if d := c.hub.stagger(); d > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}

	backoff := initialBackoff
	for ctx.Err() == nil {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()

		if errors.Is(err, domain.ErrAuthExpired) {
			c.logger.Warn("stream auth failed, parking until credentials change",
				slog.String("error", err.Error()))
			c.setState(domain.ConnDead)
			c.hub.tokens.Invalidate(ctx, c.authAccountID)
			select {
			case <-ctx.Done():
				return
			case <-c.credsChanged:
			}
			backoff = initialBackoff
			continue
		}

		if err != nil {
			c.logger.Warn("stream session ended", slog.String("error", err.Error()))
		}

		c.setState(domain.ConnBackoff)
		delay := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		if max := c.hub.cfg.BackoffMax.Duration; max > 0 && delay > max {
			delay = max
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		backoff *= 2
		if max := c.hub.cfg.BackoffMax.Duration; max > 0 && backoff > max {
			backoff = max
		}
	}
}

// session runs one socket lifetime: gate, dial, auth, subscribe once,
// then stream until the socket dies or liveness forces a recycle.
func (c *tokenConn) session(ctx context.Context) error {
	release, err := c.hub.gate.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	c.setState(domain.ConnConnecting)

	tok, err := c.hub.tokens.TokenFor(ctx, c.authAccountID)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	c.mu.Lock()
	c.tokenIssued = c.hub.now()
	c.mu.Unlock()

	conn, err := c.hub.dialer.Dial(ctx, c.framer.URL(c.env))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnreachable, err)
	}
	defer conn.Close()

	c.setState(domain.ConnAuthenticating)
	authFrame, err := c.framer.Auth(tok.Value)
	if err != nil {
		return fmt.Errorf("build auth frame: %w", err)
	}
	if err := conn.WriteMessage(authFrame); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reasonMu sync.Mutex
	var endReason error
	fail := func(err error) {
		reasonMu.Lock()
		if endReason == nil {
			endReason = err
		}
		reasonMu.Unlock()
		cancel()
		conn.Close()
	}

	go c.keepalive(sctx, conn, fail)

	authed := false
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			reasonMu.Lock()
			reason := endReason
			reasonMu.Unlock()
			if reason != nil {
				return reason
			}
			if sctx.Err() != nil {
				return sctx.Err()
			}
			return fmt.Errorf("%w: read: %v", domain.ErrBrokerUnreachable, err)
		}
		c.touch()

		for _, frame := range c.framer.Split(data) {
			if !authed {
				ok, handled := c.framer.AuthAck(frame)
				if handled {
					if !ok {
						return fmt.Errorf("%w: stream auth rejected", domain.ErrAuthExpired)
					}
					authed = true

					// One subscription per socket lifetime.
					c.setState(domain.ConnSubscribing)
					union := c.union()
					subFrame, err := c.framer.Subscribe(union)
					if err != nil {
						return fmt.Errorf("build subscribe frame: %w", err)
					}
					if err := conn.WriteMessage(subFrame); err != nil {
						return fmt.Errorf("send subscribe: %w", err)
					}
					c.mu.Lock()
					c.subscribed = make(map[string]struct{}, len(union))
					for _, acct := range union {
						c.subscribed[acct] = struct{}{}
					}
					c.mu.Unlock()
					c.setState(domain.ConnLive)

					// Handshake complete; free the connect gate.
					release()
					continue
				}
			}
			c.handleFrame(sctx, frame)
		}
	}
}

// keepalive drives the heartbeat, the silence detector, the dead-sub
// window, token rotation, and externally requested recycles.
func (c *tokenConn) keepalive(ctx context.Context, conn Conn, fail func(error)) {
	hbInterval := c.hub.cfg.HeartbeatInterval.Duration
	if hbInterval <= 0 {
		hbInterval = 2500 * time.Millisecond
	}
	heartbeat := time.NewTicker(hbInterval)
	defer heartbeat.Stop()

	// The monitor resolves silence at a fraction of the timeout so
	// short timeouts still detect promptly.
	mtick := c.hub.cfg.SilenceTimeout.Duration / 5
	if mtick <= 0 || mtick > time.Second {
		mtick = time.Second
	}
	monitor := time.NewTicker(mtick)
	defer monitor.Stop()

	deadAfter := time.Duration(c.hub.cfg.DeadSubWindows) * c.hub.cfg.DeadSubWindow.Duration

	for {
		select {
		case <-ctx.Done():
			// Unblock the read loop on shutdown.
			conn.Close()
			return

		case <-heartbeat.C:
			if err := conn.WriteMessage(c.framer.Heartbeat()); err != nil {
				fail(fmt.Errorf("%w: heartbeat write: %v", domain.ErrBrokerUnreachable, err))
				return
			}

		case <-c.reconnect:
			fail(fmt.Errorf("subscription union changed, recycling"))
			return

		case <-monitor.C:
			c.mu.Lock()
			last := c.lastMsg
			issued := c.tokenIssued
			state := c.state
			c.mu.Unlock()

			now := c.hub.now()
			if maxAge := c.hub.cfg.TokenMaxAge.Duration; maxAge > 0 && !issued.IsZero() && now.Sub(issued) > maxAge {
				fail(fmt.Errorf("token aged out after %s, recycling", now.Sub(issued).Truncate(time.Second)))
				return
			}

			if last.IsZero() || state != domain.ConnLive && state != domain.ConnSilent {
				continue
			}
			silence := now.Sub(last)
			if deadAfter > 0 && silence > deadAfter {
				c.setState(domain.ConnDead)
				fail(fmt.Errorf("%w: no data for %s", domain.ErrTimeout, silence.Truncate(time.Second)))
				return
			}
			if silence > c.hub.cfg.SilenceTimeout.Duration && state == domain.ConnLive {
				c.setState(domain.ConnSilent)
				// Probe immediately rather than waiting for the tick.
				if err := conn.WriteMessage(c.framer.Heartbeat()); err != nil {
					fail(fmt.Errorf("%w: probe write: %v", domain.ErrBrokerUnreachable, err))
					return
				}
			}
		}
	}
}

// handleFrame parses one frame and fans the events out to interested
// listeners. A panicking listener never takes down the read path.
func (c *tokenConn) handleFrame(ctx context.Context, frame []byte) {
	events, err := c.framer.Parse(frame)
	if err != nil {
		c.logger.Warn("unparseable stream frame", slog.String("error", err.Error()))
		return
	}

	now := c.hub.now()
	for i := range events {
		ev := events[i]
		ev.Broker = c.broker
		ev.TokenKey = c.tokenKey
		ev.Raw = append([]byte(nil), frame...)
		if ev.At.IsZero() {
			ev.At = now
		}
		c.dispatch(ctx, ev)
		c.hub.publishEvent(ev)
	}
}

func (c *tokenConn) dispatch(ctx context.Context, ev domain.StreamEvent) {
	c.mu.Lock()
	subs := make([]domain.StreamSubscription, 0, len(c.listeners))
	for _, sub := range c.listeners {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if !sub.Matches(ev) {
			continue
		}
		c.invoke(ctx, sub.Listener, ev)
	}
}

func (c *tokenConn) invoke(ctx context.Context, listener domain.StreamListener, ev domain.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("stream listener panicked",
				slog.Any("panic", r),
				slog.String("event_type", string(ev.Type)))
		}
	}()
	listener(ctx, ev)
}

func (c *tokenConn) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}
