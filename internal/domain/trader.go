package domain

import "time"

// Overrides is the per-trader override set. A nil field inherits the
// strategy value; a non-nil field replaces it wholesale. TPLegs uses
// slice nilness the same way: nil inherits, an empty non-nil slice
// overrides to "no take-profit legs".
type Overrides struct {
	Symbol      *string        `json:"symbol,omitempty"`
	InitialSize *int           `json:"initial_size,omitempty"`
	AddSize     *int           `json:"add_size,omitempty"`
	TPLegs      []TPLeg        `json:"tp_legs,omitempty"`
	Stop        *StopPlan      `json:"stop,omitempty"`
	DCA         *DCAPlan       `json:"dca,omitempty"`
	BreakEven   *BreakEvenPlan `json:"break_even,omitempty"`
	Filters     *Filters       `json:"filters,omitempty"`
}

// Trader binds one strategy to one account with per-linkage overrides
// and a quantity multiplier that scales every size this trader produces.
type Trader struct {
	ID         int64
	UserID     int64
	StrategyID int64
	AccountID  int64
	Multiplier float64 // default 1.0
	Overrides  Overrides
	Enabled    bool
	CreatedAt  time.Time
}

// Effective is a trader's fully resolved configuration: every field has
// passed through the override chain trader.override → strategy.default.
// The multiplier is carried here and applied exactly once, at the point
// where a concrete quantity is computed.
type Effective struct {
	StrategyID int64
	TraderID   int64
	AccountID  int64

	Symbol      string
	InitialSize int
	AddSize     int
	TPLegs      []TPLeg
	Stop        StopPlan
	DCA         DCAPlan
	BreakEven   BreakEvenPlan
	Filters     Filters
	Multiplier  float64
}

// ResolveEffective applies the override chain for one trader. Nil
// override fields fall through to the strategy defaults.
func ResolveEffective(s Strategy, t Trader) Effective {
	eff := Effective{
		StrategyID:  s.ID,
		TraderID:    t.ID,
		AccountID:   t.AccountID,
		Symbol:      s.Symbol,
		InitialSize: s.InitialSize,
		AddSize:     s.AddSize,
		TPLegs:      s.TPLegs,
		Stop:        s.Stop,
		DCA:         s.DCA,
		BreakEven:   s.BreakEven,
		Filters:     s.Filters,
		Multiplier:  t.Multiplier,
	}
	if eff.Multiplier <= 0 {
		eff.Multiplier = 1.0
	}

	o := t.Overrides
	if o.Symbol != nil {
		eff.Symbol = *o.Symbol
	}
	if o.InitialSize != nil {
		eff.InitialSize = *o.InitialSize
	}
	if o.AddSize != nil {
		eff.AddSize = *o.AddSize
	}
	if o.TPLegs != nil {
		eff.TPLegs = o.TPLegs
	}
	if o.Stop != nil {
		eff.Stop = *o.Stop
	}
	if o.DCA != nil {
		eff.DCA = *o.DCA
	}
	if o.BreakEven != nil {
		eff.BreakEven = *o.BreakEven
	}
	if o.Filters != nil {
		eff.Filters = *o.Filters
	}
	return eff
}

// ScaledQty applies the trader multiplier and the per-trade contract cap
// to a base quantity. Rounding is to nearest; a configured cap of 0
// means unlimited. The result is never negative.
func (e Effective) ScaledQty(base int) int {
	q := RoundQty(float64(base) * e.Multiplier)
	if e.Filters.MaxContractsIsSet() && q > e.Filters.MaxContractsPerTrade {
		q = e.Filters.MaxContractsPerTrade
	}
	if q < 0 {
		q = 0
	}
	return q
}

// RoundQty rounds a fractional contract quantity to the nearest whole
// contract, half away from zero.
func RoundQty(v float64) int {
	if v >= 0 {
		return int(v + 0.5)
	}
	return -int(-v + 0.5)
}
