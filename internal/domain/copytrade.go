package domain

import "time"

// LeaderAccount marks an account as a copy-trading source.
type LeaderAccount struct {
	ID              int64
	AccountID       int64
	AutoCopyEnabled bool
	CreatedAt       time.Time
}

// FollowerAccount links a follower account to a leader. An account may
// be a leader or a follower of a given leader, never both.
type FollowerAccount struct {
	ID              int64
	LeaderID        int64
	AccountID       int64
	Multiplier      float64
	MaxPositionSize int // 0 = unlimited
	CopyTP          bool
	CopySL          bool
	Enabled         bool
	CreatedAt       time.Time
}

// CapIsSet reports whether the follower position cap is configured.
// A stored 0 always means unlimited, never "cap at zero".
func (f FollowerAccount) CapIsSet() bool { return f.MaxPositionSize > 0 }

// TargetQty maps a leader quantity to this follower: multiply, round to
// whole contracts, then clamp the magnitude to the cap when one is set.
func (f FollowerAccount) TargetQty(leaderQty int) int {
	q := RoundQty(float64(leaderQty) * f.Multiplier)
	if f.CapIsSet() {
		if q > f.MaxPositionSize {
			q = f.MaxPositionSize
		}
		if q < -f.MaxPositionSize {
			q = -f.MaxPositionSize
		}
	}
	return q
}

// CopyStatus is the outcome of one follower copy attempt.
type CopyStatus string

const (
	CopyPending CopyStatus = "pending"
	CopyFilled  CopyStatus = "filled"
	CopyFailed  CopyStatus = "failed"
)

// CopyTradeLog is the audit row for one follower copy attempt.
type CopyTradeLog struct {
	ID                int64
	LeaderAccountID   int64
	FollowerAccountID int64
	Symbol            string
	Side              Side
	LeaderQty         int
	FollowerQty       int
	LeaderPrice       float64
	FollowerPrice     float64
	Status            CopyStatus
	LatencyMS         int64
	Error             string
	At                time.Time
}

// ContractMapping rewrites a leader symbol into the follower's market
// (e.g. full-size to micro) with a quantity multiplier applied before
// the follower's own multiplier and cap.
type ContractMapping struct {
	ID           int64
	FollowerID   int64
	SourceSymbol string
	TargetSymbol string
	QtyMult      float64
}
