package broker

import (
	"github.com/shopspring/decimal"

	"github.com/jtradehq/jtrade/internal/domain"
)

// AlignPrice snaps a price to the contract's tick grid:
// round(price/tick) * tick, half away from zero, computed in decimal so
// ticks like 0.03125 stay exact.
func AlignPrice(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tickSize)
	aligned, _ := p.Div(t).Round(0).Mul(t).Float64()
	return aligned
}

// TicksToPoints converts a distance expressed in ticks to points using
// the contract's tick size.
func TicksToPoints(ticks float64, c domain.Contract) float64 {
	v, _ := decimal.NewFromFloat(ticks).
		Mul(decimal.NewFromFloat(c.TickSize)).
		Float64()
	return v
}

// DollarsToPoints converts a per-contract dollar distance to points
// using the contract's point value.
func DollarsToPoints(dollars float64, c domain.Contract) float64 {
	pv := c.PointValue()
	if pv == 0 {
		return 0
	}
	v, _ := decimal.NewFromFloat(dollars).
		Div(decimal.NewFromFloat(pv)).
		Float64()
	return v
}

// OffsetPrice applies a points distance to an entry price in the
// direction dir (+1 above, -1 below) and tick-aligns the result.
func OffsetPrice(entry, points float64, dir int, tickSize float64) float64 {
	e := decimal.NewFromFloat(entry)
	d := decimal.NewFromFloat(points)
	if dir < 0 {
		d = d.Neg()
	}
	raw, _ := e.Add(d).Float64()
	return AlignPrice(raw, tickSize)
}
