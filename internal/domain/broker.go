package domain

import (
	"context"
	"strings"
	"time"
)

// Client-order-id prefixes. Every order the platform places carries one;
// the leader-fill listener discards fills whose parent order carries the
// copy prefix, which is the loop-prevention mechanism for copy trading.
const (
	OrderPrefixCopy   = "JT_COPY_"
	OrderPrefixSignal = "JT_SIG_"
	OrderPrefixManual = "JT_MAN_"
)

// IsCopyOrderID reports whether a client-order-id marks a propagated copy.
func IsCopyOrderID(clientOrderID string) bool {
	return strings.HasPrefix(clientOrderID, OrderPrefixCopy)
}

// Contract is the broker-resolved metadata for one tradable symbol.
type Contract struct {
	ID        string
	Symbol    string
	TickSize  float64
	TickValue float64 // dollars per tick per contract
}

// PointValue returns the dollar value of one full point per contract.
func (c Contract) PointValue() float64 {
	if c.TickSize == 0 {
		return 0
	}
	return c.TickValue / c.TickSize
}

// OrderSide is the direction of a single order.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// Opposite returns the other order side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderBuy {
		return OrderSell
	}
	return OrderBuy
}

// EntrySide maps a position side to the order side that opens it.
func EntrySide(s Side) OrderSide {
	if s == SideShort {
		return OrderSell
	}
	return OrderBuy
}

// ExitSide maps a position side to the order side that closes it.
func ExitSide(s Side) OrderSide { return EntrySide(s).Opposite() }

// OrderType is the broker order type.
type OrderType string

const (
	OrderMarket       OrderType = "market"
	OrderLimit        OrderType = "limit"
	OrderStop         OrderType = "stop"
	OrderStopLimit    OrderType = "stop_limit"
	OrderTrailingStop OrderType = "trailing_stop"
)

// OrderStatus is the broker-side order lifecycle state.
type OrderStatus string

const (
	OrderWorking   OrderStatus = "working"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
	OrderExpired   OrderStatus = "expired"
)

// Order is a broker order as reported by list/read endpoints.
type Order struct {
	ID            string
	ClientOrderID string
	Subaccount    string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Qty           int
	LimitPrice    float64
	StopPrice     float64
	Status        OrderStatus
	FilledQty     int
	AvgFillPrice  float64
	CreatedAt     time.Time
}

// BrokerPosition is a live position as reported by the broker.
type BrokerPosition struct {
	Subaccount string
	Symbol     string
	Qty        int // signed
	AvgPrice   float64
}

// BracketLeg is one take-profit rung of a bracket, distance in points
// from the entry price, positive in the direction of the trade.
type BracketLeg struct {
	Qty      int
	Distance float64
}

// BracketStop is the protective stop of a bracket. Distance is in
// points, positive away from entry; trailing stops carry the trigger
// and adjustment step, also in points.
type BracketStop struct {
	Kind         StopKind
	Distance     float64
	TrailTrigger float64
	TrailStep    float64
}

// BracketSpec is an atomic entry-plus-exits placement: a market entry
// with one or more take-profit legs and an optional stop. Leg
// quantities must sum to Qty; all derived prices must be tick-aligned
// by the time they reach the wire.
type BracketSpec struct {
	Symbol        string
	Side          OrderSide
	Qty           int
	ClientOrderID string
	Legs          []BracketLeg
	Stop          *BracketStop
}

// BracketResult identifies the orders a bracket placement created.
type BracketResult struct {
	BracketID    string
	EntryOrderID string
	TPOrderIDs   []string
	SLOrderID    string
}

// OrderModify is a partial update for ModifyOrder. Nil fields are left
// untouched. Brokers may acknowledge a modify without applying it, so
// callers treat the call as advisory and verify by re-reading; bracket
// exits are never modified, only cancelled and replaced.
type OrderModify struct {
	Qty        *int
	LimitPrice *float64
	StopPrice  *float64
}

// BrokerAdapter is the uniform per-broker capability set. Adapters
// return structured errors (never panic): ErrAuthExpired on terminal
// auth failures, RateLimitedError on throttling, BrokerRejectedError on
// declines including 2xx-with-error bodies, ErrBrokerUnreachable on
// transport failures.
type BrokerAdapter interface {
	Broker() Broker

	ResolveContract(ctx context.Context, ref AccountRef, symbol string) (Contract, error)

	PlaceMarket(ctx context.Context, ref AccountRef, symbol string, side OrderSide, qty int, clientOrderID string) (string, error)
	PlaceBracket(ctx context.Context, ref AccountRef, spec BracketSpec) (BracketResult, error)
	PlaceLimit(ctx context.Context, ref AccountRef, symbol string, side OrderSide, qty int, limit float64, clientOrderID string) (string, error)
	PlaceStop(ctx context.Context, ref AccountRef, symbol string, side OrderSide, qty int, stop float64, clientOrderID string) (string, error)
	PlaceStopLimit(ctx context.Context, ref AccountRef, symbol string, side OrderSide, qty int, stop, limit float64, clientOrderID string) (string, error)
	PlaceTrailingStop(ctx context.Context, ref AccountRef, symbol string, side OrderSide, qty int, trailPoints float64, clientOrderID string) (string, error)

	CancelOrder(ctx context.Context, ref AccountRef, orderID string) error
	ModifyOrder(ctx context.Context, ref AccountRef, orderID string, mod OrderModify) error

	ListPositions(ctx context.Context, ref AccountRef) ([]BrokerPosition, error)
	ListOpenOrders(ctx context.Context, ref AccountRef) ([]Order, error)

	// Flatten cancels all working orders on the symbol and closes the
	// net position at market.
	Flatten(ctx context.Context, ref AccountRef, symbol string) error
}
