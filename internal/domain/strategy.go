package domain

import (
	"time"
)

// DistanceUnit expresses how a take-profit, stop, or trigger distance is
// measured relative to the entry price.
type DistanceUnit string

const (
	UnitTicks   DistanceUnit = "ticks"
	UnitPoints  DistanceUnit = "points"
	UnitPercent DistanceUnit = "percent"
)

// TrimUnit expresses how much of the position a take-profit leg closes.
type TrimUnit string

const (
	TrimContracts TrimUnit = "contracts"
	TrimPercent   TrimUnit = "percent"
)

// TPLeg is one rung of the take-profit ladder.
type TPLeg struct {
	Distance float64      `json:"distance"`
	Unit     DistanceUnit `json:"unit"`
	Trim     float64      `json:"trim"`
	TrimUnit TrimUnit     `json:"trim_unit"`
}

// StopKind selects between a fixed and a trailing stop.
type StopKind string

const (
	StopFixed    StopKind = "fixed"
	StopTrailing StopKind = "trailing"
)

// StopPlan is the stop-loss specification for a strategy.
type StopPlan struct {
	Enabled        bool         `json:"enabled"`
	Distance       float64      `json:"distance"`
	Unit           DistanceUnit `json:"unit"`
	Kind           StopKind     `json:"kind"`
	TrailTrigger   float64      `json:"trail_trigger,omitempty"`   // distance before trailing engages
	TrailFrequency float64      `json:"trail_frequency,omitempty"` // step between trail adjustments
}

// DCAPlan is the add-down (dollar-cost-average) specification.
type DCAPlan struct {
	Enabled         bool          `json:"enabled"`
	Size            int           `json:"size"`
	TriggerDistance float64       `json:"trigger_distance"`
	Unit            DistanceUnit  `json:"unit"`
	MinDelay        time.Duration `json:"min_delay"` // minimum spacing between adds
}

// BreakEvenPlan moves the stop to entry (plus offset) once price has run
// the trigger distance in the trade's favor. Distances in ticks.
type BreakEvenPlan struct {
	Enabled         bool    `json:"enabled"`
	TriggerDistance float64 `json:"trigger_distance"`
	Offset          float64 `json:"offset"`
}

// TimeWindow is one allowed trading window, wall-clock "HH:MM" in the
// platform session timezone. Start == End means the window is unbounded.
type TimeWindow struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Contains reports whether the clock time t falls inside the window.
// Windows that cross midnight (Start > End) wrap.
func (w TimeWindow) Contains(t time.Time) bool {
	if !w.Enabled {
		return false
	}
	start, err1 := parseClock(w.Start)
	end, err2 := parseClock(w.End)
	if err1 != nil || err2 != nil {
		return false
	}
	cur := t.Hour()*60 + t.Minute()
	if start == end {
		return true
	}
	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Direction restricts which signal directions a strategy acts on.
type Direction string

const (
	DirLong  Direction = "long"
	DirShort Direction = "short"
	DirBoth  Direction = "both"
)

// Filters are the per-strategy gates the router evaluates in order.
// Every numeric field treats 0 as "unlimited/disabled"; use the IsSet
// helpers rather than comparing against zero inline.
type Filters struct {
	SignalCooldown       time.Duration `json:"signal_cooldown"`
	MaxSignalsPerSession int           `json:"max_signals_per_session"`
	MaxDailyLoss         float64       `json:"max_daily_loss"` // dollars, positive
	MaxContractsPerTrade int           `json:"max_contracts_per_trade"`
	Window1              TimeWindow    `json:"window1"`
	Window2              TimeWindow    `json:"window2"`
	AutoFlat             bool          `json:"auto_flat"`
	AutoFlatCutoff       string        `json:"auto_flat_cutoff"` // "HH:MM"
	Direction            Direction     `json:"direction"`
	Inverse              bool          `json:"inverse"`
	SignalDelay          int           `json:"signal_delay"` // execute every Nth accepted signal; 0/1 = off
}

// CooldownIsSet reports whether a signal cooldown applies.
func (f Filters) CooldownIsSet() bool { return f.SignalCooldown > 0 }

// MaxSignalsIsSet reports whether the per-session signal cap applies.
func (f Filters) MaxSignalsIsSet() bool { return f.MaxSignalsPerSession > 0 }

// MaxDailyLossIsSet reports whether the daily loss cap applies.
func (f Filters) MaxDailyLossIsSet() bool { return f.MaxDailyLoss > 0 }

// MaxContractsIsSet reports whether the per-trade contract cap applies.
func (f Filters) MaxContractsIsSet() bool { return f.MaxContractsPerTrade > 0 }

// SignalDelayIsSet reports whether the every-Nth-signal gate applies.
func (f Filters) SignalDelayIsSet() bool { return f.SignalDelay > 1 }

// WindowsConfigured reports whether at least one time window is enabled.
// When none is, the time-of-day filter passes unconditionally.
func (f Filters) WindowsConfigured() bool {
	return f.Window1.Enabled || f.Window2.Enabled
}

// InsideWindow reports whether t falls inside at least one enabled window.
func (f Filters) InsideWindow(t time.Time) bool {
	return f.Window1.Contains(t) || f.Window2.Contains(t)
}

// Strategy (historically "recorder") is the durable trading specification
// a webhook token maps to. Traders bind it to concrete accounts.
type Strategy struct {
	ID           int64
	UserID       int64
	Name         string
	Symbol       string
	InitialSize  int
	AddSize      int
	TPLegs       []TPLeg
	Stop         StopPlan
	DCA          DCAPlan
	BreakEven    BreakEvenPlan
	Filters      Filters
	WebhookToken string
	Enabled      bool // recording on/off; off filters signals
	Archived     bool // permanently disabled; webhook answers 410
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
