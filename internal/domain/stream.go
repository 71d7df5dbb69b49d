package domain

import (
	"context"
	"encoding/json"
	"time"
)

// StreamEventType tags the variant carried by a StreamEvent.
type StreamEventType string

const (
	StreamFill     StreamEventType = "fill"
	StreamOrder    StreamEventType = "order"
	StreamPosition StreamEventType = "position"
	StreamBalance  StreamEventType = "balance"
)

// FillEvent reports an execution against one of the subscribed accounts.
type FillEvent struct {
	Subaccount    string
	Symbol        string
	Side          OrderSide
	Qty           int
	Price         float64
	FillID        string
	OrderID       string
	ClientOrderID string
	At            time.Time
}

// OrderEvent reports an order lifecycle change.
type OrderEvent struct {
	Subaccount    string
	Symbol        string
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	FilledQty     int
	AvgFillPrice  float64
	At            time.Time
}

// PositionEvent reports a position snapshot. PrevQty is the quantity
// before the change; hubs that receive only absolute snapshots fill it
// from the last snapshot seen on the connection.
type PositionEvent struct {
	Subaccount string
	Symbol     string
	Qty        int // signed
	PrevQty    int // signed
	AvgPrice   float64
	At         time.Time
}

// BalanceEvent reports account balance/equity, feeding max-loss checks.
type BalanceEvent struct {
	Subaccount string
	Balance    float64
	Equity     float64
	At         time.Time
}

// StreamEvent is the hub's tagged union. Exactly the field matching
// Type is non-nil; Raw preserves the original frame for audit so that
// unknown broker message kinds survive without being matched on.
type StreamEvent struct {
	Type     StreamEventType
	Broker   Broker
	TokenKey string
	Fill     *FillEvent
	Order    *OrderEvent
	Position *PositionEvent
	Balance  *BalanceEvent
	Raw      json.RawMessage
	At       time.Time
}

// StreamListener receives events on the hub's read path. Callbacks must
// not block; nontrivial work is offloaded to the listener's own worker.
type StreamListener func(ctx context.Context, ev StreamEvent)

// StreamSubscription registers interest in one credential's stream.
// The hub coalesces all subscriptions sharing a TokenKey onto a single
// connection and subscribes with the union of their subaccounts.
type StreamSubscription struct {
	Broker      Broker
	Environment Environment
	TokenKey    string
	AccountID   int64 // account whose credentials authenticate the socket
	Subaccounts []string
	Types       []StreamEventType // empty = all
	Listener    StreamListener
}

// Subaccount returns the subaccount the event concerns, empty when the
// variant carries none.
func (e StreamEvent) Subaccount() string {
	switch e.Type {
	case StreamFill:
		if e.Fill != nil {
			return e.Fill.Subaccount
		}
	case StreamOrder:
		if e.Order != nil {
			return e.Order.Subaccount
		}
	case StreamPosition:
		if e.Position != nil {
			return e.Position.Subaccount
		}
	case StreamBalance:
		if e.Balance != nil {
			return e.Balance.Subaccount
		}
	}
	return ""
}

// Matches reports whether the subscription's account and type filters
// admit an event.
func (s StreamSubscription) Matches(ev StreamEvent) bool {
	if len(s.Types) > 0 {
		ok := false
		for _, t := range s.Types {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	acct := ev.Subaccount()
	if acct == "" || len(s.Subaccounts) == 0 {
		return true
	}
	for _, a := range s.Subaccounts {
		if a == acct {
			return true
		}
	}
	return false
}

// ConnState is the connection state machine position, exported for
// monitoring.
type ConnState string

const (
	ConnIdle           ConnState = "idle"
	ConnConnecting     ConnState = "connecting"
	ConnAuthenticating ConnState = "authenticating"
	ConnSubscribing    ConnState = "subscribing"
	ConnLive           ConnState = "live"
	ConnSilent         ConnState = "silent"
	ConnDead           ConnState = "dead"
	ConnBackoff        ConnState = "backoff"
)

// TokenStreamStatus summarizes one connection for the status endpoint.
type TokenStreamStatus struct {
	Broker         Broker        `json:"broker"`
	State          ConnState     `json:"state"`
	Connected      bool          `json:"connected"`
	LastMessageAge time.Duration `json:"last_message_age"`
	ListenerCount  int           `json:"listener_count"`
	TokenAge       time.Duration `json:"token_age"`
	Reconnects     int64         `json:"reconnects"`
}

// HubStatus is the per-token view of the streaming layer.
type HubStatus struct {
	Tokens map[string]TokenStreamStatus `json:"tokens"`
}

// StreamHub multiplexes broker streaming sessions across listeners. The
// hub owns every streaming socket in the process; listeners hold only
// the opaque id returned by Register.
type StreamHub interface {
	Register(sub StreamSubscription) (string, error)
	Unregister(id string)
	Status() HubStatus
}
