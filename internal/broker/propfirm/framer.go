package propfirm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
	"github.com/jtradehq/jtrade/internal/stream"
)

// recordSeparator delimits protocol frames inside one websocket
// message. The gateway batches several frames per message.
const recordSeparator = 0x1e

var _ stream.Framer = (*Framer)(nil)

// Framer speaks the gateway streaming protocol: JSON frames joined by
// ASCII record separators, with an explicit auth/subscribe/heartbeat
// dance.
type Framer struct {
	liveURL string
	demoURL string
}

// NewFramer builds the streaming framer for the configured endpoints.
func NewFramer(wsURL, demoWsURL string) *Framer {
	if demoWsURL == "" {
		demoWsURL = wsURL
	}
	return &Framer{liveURL: wsURL, demoURL: demoWsURL}
}

// Broker identifies the protocol.
func (f *Framer) Broker() domain.Broker { return domain.BrokerPropfirm }

// URL returns the websocket endpoint for an environment.
func (f *Framer) URL(env domain.Environment) string {
	if env == domain.EnvDemo {
		return f.demoURL
	}
	return f.liveURL
}

// Split breaks one websocket message on record separators, dropping
// empty segments (trailing separators are common).
func (f *Framer) Split(data []byte) [][]byte {
	parts := bytes.Split(data, []byte{recordSeparator})
	out := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Auth returns the API-key handshake frame. The key doubles as the
// stream token for this broker.
func (f *Framer) Auth(token string) ([]byte, error) {
	frame, err := json.Marshal(map[string]any{"type": "auth", "apiKey": token})
	if err != nil {
		return nil, err
	}
	return append(frame, recordSeparator), nil
}

// AuthAck recognizes the status frame acknowledging the handshake.
func (f *Framer) AuthAck(frame []byte) (ok bool, handled bool) {
	var msg struct {
		Type string `json:"type"`
		Code int    `json:"code"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Type != "status" {
		return false, false
	}
	return msg.Code == 200, true
}

// Subscribe returns the union-subscription frame.
func (f *Framer) Subscribe(subaccounts []string) ([]byte, error) {
	frame, err := json.Marshal(map[string]any{
		"type":     "subscribe",
		"accounts": subaccounts,
		"feeds":    []string{"fills", "orders", "positions", "balances"},
	})
	if err != nil {
		return nil, err
	}
	return append(frame, recordSeparator), nil
}

// Heartbeat returns the keepalive frame.
func (f *Framer) Heartbeat() []byte {
	return append([]byte(`{"type":"ping"}`), recordSeparator)
}

// Parse converts a data frame into domain events.
func (f *Framer) Parse(frame []byte) ([]domain.StreamEvent, error) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("propfirm: parse frame: %w", err)
	}

	switch env.Type {
	case "fill":
		var d struct {
			Account       string    `json:"account"`
			Symbol        string    `json:"symbol"`
			Side          string    `json:"side"`
			Qty           int       `json:"qty"`
			Price         float64   `json:"price"`
			FillID        string    `json:"fillId"`
			OrderID       string    `json:"orderId"`
			ClientOrderID string    `json:"clientOrderId"`
			At            time.Time `json:"at"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("propfirm: parse fill: %w", err)
		}
		return []domain.StreamEvent{{
			Type: domain.StreamFill,
			Fill: &domain.FillEvent{
				Subaccount:    d.Account,
				Symbol:        d.Symbol,
				Side:          domain.OrderSide(d.Side),
				Qty:           d.Qty,
				Price:         d.Price,
				FillID:        d.FillID,
				OrderID:       d.OrderID,
				ClientOrderID: d.ClientOrderID,
				At:            d.At,
			},
		}}, nil

	case "order":
		var d apiOrder
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("propfirm: parse order: %w", err)
		}
		o := d.toDomain()
		return []domain.StreamEvent{{
			Type: domain.StreamOrder,
			Order: &domain.OrderEvent{
				Subaccount:    o.Subaccount,
				Symbol:        o.Symbol,
				OrderID:       o.ID,
				ClientOrderID: o.ClientOrderID,
				Status:        o.Status,
				FilledQty:     o.FilledQty,
				AvgFillPrice:  o.AvgFillPrice,
				At:            o.CreatedAt,
			},
		}}, nil

	case "position":
		var d struct {
			Account  string    `json:"account"`
			Symbol   string    `json:"symbol"`
			NetQty   int       `json:"netQty"`
			PrevQty  int       `json:"prevQty"`
			AvgPrice float64   `json:"avgPrice"`
			At       time.Time `json:"at"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("propfirm: parse position: %w", err)
		}
		return []domain.StreamEvent{{
			Type: domain.StreamPosition,
			Position: &domain.PositionEvent{
				Subaccount: d.Account,
				Symbol:     d.Symbol,
				Qty:        d.NetQty,
				PrevQty:    d.PrevQty,
				AvgPrice:   d.AvgPrice,
				At:         d.At,
			},
		}}, nil

	case "balance":
		var d struct {
			Account string    `json:"account"`
			Balance float64   `json:"balance"`
			Equity  float64   `json:"equity"`
			At      time.Time `json:"at"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("propfirm: parse balance: %w", err)
		}
		return []domain.StreamEvent{{
			Type: domain.StreamBalance,
			Balance: &domain.BalanceEvent{
				Subaccount: d.Account,
				Balance:    d.Balance,
				Equity:     d.Equity,
				At:         d.At,
			},
		}}, nil
	}

	return nil, nil
}
