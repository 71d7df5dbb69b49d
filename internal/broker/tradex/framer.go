package tradex

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
	"github.com/jtradehq/jtrade/internal/stream"
)

var _ stream.Framer = (*Framer)(nil)

// Framer speaks the Tradex JSON streaming protocol: one JSON object per
// websocket message, tagged by an "e" event field.
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
func (f *Framer) Broker() domain.Broker { return domain.BrokerTradex }

// URL returns the websocket endpoint for an environment.
func (f *Framer) URL(env domain.Environment) string {
	if env == domain.EnvDemo {
		return f.demoURL
	}
	return f.liveURL
}

// Split passes messages through whole; the protocol is one JSON object
// per websocket frame.
func (f *Framer) Split(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	return [][]byte{data}
}

// Auth returns the first frame sent after dial.
func (f *Framer) Auth(token string) ([]byte, error) {
	return json.Marshal(map[string]any{"e": "authorize", "token": token})
}

// AuthAck recognizes the authorization response and its status code.
func (f *Framer) AuthAck(frame []byte) (ok bool, handled bool) {
	var msg struct {
		Event  string `json:"e"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Event != "authorized" {
		return false, false
	}
	return msg.Status == 200, true
}

// Subscribe returns the union-subscription frame covering every
// registered subaccount.
func (f *Framer) Subscribe(subaccounts []string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"e":        "subscribe",
		"channels": []string{"fills", "orders", "positions", "balances"},
		"accounts": subaccounts,
	})
}

// Heartbeat returns the keepalive frame.
func (f *Framer) Heartbeat() []byte {
	return []byte(`{"e":"heartbeat"}`)
}

// wireEvent is the envelope of a Tradex stream message.
type wireEvent struct {
	Event string          `json:"e"`
	Data  json.RawMessage `json:"d"`
}

// Parse converts a stream frame into domain events. Heartbeat echoes
// and unknown kinds return no events.
func (f *Framer) Parse(frame []byte) ([]domain.StreamEvent, error) {
	var env wireEvent
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("tradex: parse frame: %w", err)
	}

	switch env.Event {
	case "fill":
		var d struct {
			Account   string    `json:"account"`
			Symbol    string    `json:"symbol"`
			Action    string    `json:"action"`
			Qty       int       `json:"qty"`
			Price     float64   `json:"price"`
			FillID    string    `json:"fillId"`
			OrderID   string    `json:"orderId"`
			ClOrdID   string    `json:"clOrdId"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("tradex: parse fill: %w", err)
		}
		return []domain.StreamEvent{{
			Type: domain.StreamFill,
			Fill: &domain.FillEvent{
				Subaccount:    d.Account,
				Symbol:        d.Symbol,
				Side:          sideFromAction(d.Action),
				Qty:           d.Qty,
				Price:         d.Price,
				FillID:        d.FillID,
				OrderID:       d.OrderID,
				ClientOrderID: d.ClOrdID,
				At:            d.Timestamp,
			},
		}}, nil

	case "order":
		var d apiOrder
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("tradex: parse order: %w", err)
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
				At:            d.Timestamp,
			},
		}}, nil

	case "position":
		var d struct {
			Account   string    `json:"account"`
			Symbol    string    `json:"symbol"`
			NetPos    int       `json:"netPos"`
			PrevPos   int       `json:"prevPos"`
			AvgPrice  float64   `json:"avgPrice"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("tradex: parse position: %w", err)
		}
		return []domain.StreamEvent{{
			Type: domain.StreamPosition,
			Position: &domain.PositionEvent{
				Subaccount: d.Account,
				Symbol:     d.Symbol,
				Qty:        d.NetPos,
				PrevQty:    d.PrevPos,
				AvgPrice:   d.AvgPrice,
				At:         d.Timestamp,
			},
		}}, nil

	case "balance":
		var d struct {
			Account   string    `json:"account"`
			Balance   float64   `json:"balance"`
			Equity    float64   `json:"equity"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("tradex: parse balance: %w", err)
		}
		return []domain.StreamEvent{{
			Type: domain.StreamBalance,
			Balance: &domain.BalanceEvent{
				Subaccount: d.Account,
				Balance:    d.Balance,
				Equity:     d.Equity,
				At:         d.Timestamp,
			},
		}}, nil
	}

	// Heartbeat echoes and unknown kinds carry no state change; the hub
	// still counts them toward liveness.
	return nil, nil
}
