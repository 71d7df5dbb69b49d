package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jtradehq/jtrade/internal/broker"
	"github.com/jtradehq/jtrade/internal/domain"
)

// distancePoints converts a configured distance to points. Percent
// distances are measured against the entry price and therefore need a
// non-zero reference.
func distancePoints(dist float64, unit domain.DistanceUnit, entryPrice float64, c domain.Contract) (float64, error) {
	if dist <= 0 {
		return 0, fmt.Errorf("engine: %w: non-positive distance %v", domain.ErrBadRequest, dist)
	}
	switch unit {
	case domain.UnitTicks:
		return broker.TicksToPoints(dist, c), nil
	case domain.UnitPoints:
		return dist, nil
	case domain.UnitPercent:
		if entryPrice <= 0 {
			return 0, fmt.Errorf("engine: %w: percent distance needs a reference price", domain.ErrBadRequest)
		}
		v, _ := decimal.NewFromFloat(entryPrice).
			Mul(decimal.NewFromFloat(dist)).
			Div(decimal.NewFromInt(100)).
			Float64()
		return v, nil
	}
	return 0, fmt.Errorf("engine: %w: unknown distance unit %q", domain.ErrBadRequest, unit)
}

// legQuantities splits an entry quantity across the take-profit ladder.
// Percent trims round to the nearest contract; whatever rounding leaves
// over lands on the last leg so the legs always sum to qty exactly.
func legQuantities(legs []domain.TPLeg, qty int) []int {
	if len(legs) == 0 || qty <= 0 {
		return nil
	}
	out := make([]int, len(legs))
	remaining := qty
	for i, leg := range legs {
		var q int
		if leg.TrimUnit == domain.TrimPercent {
			q = domain.RoundQty(float64(qty) * leg.Trim / 100)
		} else {
			q = int(leg.Trim)
		}
		if q > remaining {
			q = remaining
		}
		if q < 0 {
			q = 0
		}
		out[i] = q
		remaining -= q
	}
	if remaining > 0 {
		out[len(out)-1] += remaining
	}
	return out
}

// buildBracket assembles the atomic entry-plus-exits spec for a fresh
// entry: market entry of qty with every configured take-profit leg and
// the stop plan, all distances converted to points. entryHint is the
// signal price, used only for percent-unit distances.
func buildBracket(cfg domain.Effective, c domain.Contract, side domain.OrderSide, qty int, entryHint float64, clientOrderID string) (domain.BracketSpec, error) {
	spec := domain.BracketSpec{
		Symbol:        cfg.Symbol,
		Side:          side,
		Qty:           qty,
		ClientOrderID: clientOrderID,
	}

	qtys := legQuantities(cfg.TPLegs, qty)
	for i, leg := range cfg.TPLegs {
		if qtys[i] == 0 {
			continue
		}
		pts, err := distancePoints(leg.Distance, leg.Unit, entryHint, c)
		if err != nil {
			return domain.BracketSpec{}, fmt.Errorf("tp leg %d: %w", i+1, err)
		}
		spec.Legs = append(spec.Legs, domain.BracketLeg{Qty: qtys[i], Distance: pts})
	}

	if cfg.Stop.Enabled {
		pts, err := distancePoints(cfg.Stop.Distance, cfg.Stop.Unit, entryHint, c)
		if err != nil {
			return domain.BracketSpec{}, fmt.Errorf("stop: %w", err)
		}
		stop := &domain.BracketStop{Kind: cfg.Stop.Kind, Distance: pts}
		if cfg.Stop.Kind == domain.StopTrailing {
			if cfg.Stop.TrailTrigger > 0 {
				tp, err := distancePoints(cfg.Stop.TrailTrigger, cfg.Stop.Unit, entryHint, c)
				if err != nil {
					return domain.BracketSpec{}, fmt.Errorf("trail trigger: %w", err)
				}
				stop.TrailTrigger = tp
			}
			if cfg.Stop.TrailFrequency > 0 {
				ts, err := distancePoints(cfg.Stop.TrailFrequency, cfg.Stop.Unit, entryHint, c)
				if err != nil {
					return domain.BracketSpec{}, fmt.Errorf("trail step: %w", err)
				}
				stop.TrailStep = ts
			}
		}
		spec.Stop = stop
	}

	return spec, nil
}

// tpPrice computes the tick-aligned limit price for one take-profit leg
// measured from the (broker-reported) average entry. Longs exit above,
// shorts below.
func tpPrice(avgEntry float64, leg domain.TPLeg, side domain.Side, c domain.Contract) (float64, error) {
	pts, err := distancePoints(leg.Distance, leg.Unit, avgEntry, c)
	if err != nil {
		return 0, err
	}
	return broker.OffsetPrice(avgEntry, pts, side.Sign(), c.TickSize), nil
}
