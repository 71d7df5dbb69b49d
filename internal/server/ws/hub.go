// Package ws relays the platform event bus to operator websockets:
// execution results, stream state changes, and copy results, read-only.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jtradehq/jtrade/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2048
	sendBufferSize = 128
)

// relayChannels are the bus channels mirrored to clients.
var relayChannels = []string{
	domain.ChanSignals,
	domain.ChanExecutions,
	domain.ChanStream,
	domain.ChanCopies,
	domain.ChanReconcile,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is the only inbound message clients may send.
type subscribeMsg struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
}

// envelope is the frame sent to clients.
type envelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Hub fans bus messages out to connected clients.
type Hub struct {
	bus    domain.EventBus
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]bool

	register   chan *client
	unregister chan *client
}

func NewHub(bus domain.EventBus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws")),
		clients:    map[*client]bool{},
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run pumps bus messages to clients until the context ends. Call it in
// its own goroutine.
func (h *Hub) Run(ctx context.Context) error {
	msgs, cancel, err := h.bus.Subscribe(ctx, relayChannels...)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			frame, err := json.Marshal(envelope{
				Channel: m.Channel,
				Payload: json.RawMessage(m.Payload),
				At:      time.Now().UTC(),
			})
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.subscribed(m.Channel) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					// Slow client; drop rather than stall the bus.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Handle upgrades GET /api/events to a websocket.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{},
	}
	for _, ch := range relayChannels {
		c.subs[ch] = true
	}
	h.register <- c
	go c.writePump()
	go c.readPump(h)
}

func (c *client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(message, &msg) != nil {
			continue
		}
		c.mu.Lock()
		for _, ch := range msg.Subscribe {
			c.subs[ch] = true
		}
		for _, ch := range msg.Unsubscribe {
			delete(c.subs, ch)
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
