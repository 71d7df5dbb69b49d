package domain

import (
	"strings"
	"time"
)

// SignalAction is the canonical intent of an inbound signal after alias
// normalization ("flat"/"flatten" fold into "close").
type SignalAction string

const (
	ActionBuy        SignalAction = "buy"
	ActionSell       SignalAction = "sell"
	ActionClose      SignalAction = "close"
	ActionCloseLong  SignalAction = "closelong"
	ActionCloseShort SignalAction = "closeshort"
	ActionFlip       SignalAction = "flip"
)

// NormalizeAction maps a raw action label (case-insensitive, with the
// source's aliases) to a canonical SignalAction. ok is false for labels
// the router does not recognize.
func NormalizeAction(raw string) (SignalAction, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long":
		return ActionBuy, true
	case "sell", "short":
		return ActionSell, true
	case "close", "flat", "flatten", "exit":
		return ActionClose, true
	case "closelong", "close_long":
		return ActionCloseLong, true
	case "closeshort", "close_short":
		return ActionCloseShort, true
	case "flip", "reverse":
		return ActionFlip, true
	}
	return "", false
}

// IsClose reports whether the action only ever reduces the position to
// flat. Close actions are never routed as reversals, regardless of any
// direction label attached to the payload.
func (a SignalAction) IsClose() bool {
	return a == ActionClose || a == ActionCloseLong || a == ActionCloseShort
}

// Inverted flips the directional sense of an action for inverse
// strategies. Close stays close; only the direction swaps.
func (a SignalAction) Inverted() SignalAction {
	switch a {
	case ActionBuy:
		return ActionSell
	case ActionSell:
		return ActionBuy
	case ActionCloseLong:
		return ActionCloseShort
	case ActionCloseShort:
		return ActionCloseLong
	}
	return a
}

// SignalStatus records what the router did with a signal.
type SignalStatus string

const (
	SignalReceived    SignalStatus = "received"
	SignalAccepted    SignalStatus = "accepted"
	SignalDuplicate   SignalStatus = "duplicate"
	SignalFiltered    SignalStatus = "filtered"
	SignalUnparseable SignalStatus = "unparseable"
)

// Signal is the persisted record of one webhook delivery. The raw body
// is always retained for audit, even when parsing fails.
type Signal struct {
	ID            string // uuid
	StrategyID    int64
	Action        SignalAction
	RawBody       string
	Ticker        string
	Price         *float64
	Contracts     *float64
	PositionLabel string     // optional "position" hint from the payload
	SignalTime    *time.Time // sender-reported time, if present
	ReceivedAt    time.Time
	Status        SignalStatus
	FilterReason  string
	DedupKey      string
}
