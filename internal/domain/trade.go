package domain

import "time"

// Side is the direction of an open trade or position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long, -1 for short.
func (s Side) Sign() int {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// SideOfQty derives the side from a signed quantity. Zero reports long;
// callers must check for flat before using the result.
func SideOfQty(q int) Side {
	if q < 0 {
		return SideShort
	}
	return SideLong
}

// TradeStatus is the lifecycle state of a trade record.
type TradeStatus string

const (
	TradeOpen      TradeStatus = "open"
	TradeClosed    TradeStatus = "closed"
	TradeCancelled TradeStatus = "cancelled"
)

// Exit reasons recorded on trade close.
const (
	ExitTPFill        = "tp_fill"
	ExitSLFill        = "sl_fill"
	ExitCloseSignal   = "close_signal"
	ExitFlip          = "flip"
	ExitNewEntry      = "new_entry" // DCA-off re-entry closed the prior record
	ExitBrokerFlat    = "broker_flat"
	ExitAutoFlat      = "auto_flat"
	ExitManualCleanup = "manual_cleanup"
	ExitManual        = "manual"
)

// Trade is a single entry record for one trader on one account. The
// take-profit/stop order IDs refer to orders on that account's broker
// only; when a strategy drives several accounts each account's trades
// carry their own rows.
type Trade struct {
	ID         int64
	StrategyID int64
	TraderID   int64
	AccountID  int64
	SignalID   string
	Symbol     string
	Side       Side
	Qty        int
	EntryPrice float64
	EntryAt    time.Time
	ExitPrice  float64
	ExitAt     time.Time
	Status     TradeStatus
	ExitReason string
	TPOrderID  string
	SLOrderID  string
	RealizedPL float64
}

// SignedQty returns the trade quantity with the side's sign applied.
func (t Trade) SignedQty() int { return t.Side.Sign() * t.Qty }
