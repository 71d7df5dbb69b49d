package domain

import "time"

// PositionEntry is one fill contributing to an aggregated position.
type PositionEntry struct {
	Qty   int       `json:"qty"`
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

// Position is the derived aggregate per strategy+account+symbol: total
// signed quantity, weighted-average entry, and running P&L extremes.
// Created on first entry, updated on each fill, closed when the broker
// shows net zero.
type Position struct {
	ID           int64
	StrategyID   int64
	AccountID    int64
	Symbol       string
	Qty          int // signed; >0 long, <0 short
	AvgEntry     float64
	Entries      []PositionEntry
	UnrealizedPL float64
	WorstPL      float64
	BestPL       float64
	Open         bool
	OpenedAt     time.Time
	ClosedAt     time.Time
	UpdatedAt    time.Time
}

// ApplyFill folds one fill into the aggregate. Additions re-weight the
// average entry; reductions leave it unchanged. A quantity crossing or
// reaching zero closes the aggregate.
func (p *Position) ApplyFill(qty int, price float64, at time.Time) {
	prev := p.Qty
	next := prev + qty
	switch {
	case prev == 0 || (prev > 0) == (qty > 0):
		// Opening or adding: re-weight the average.
		total := abs(prev) + abs(qty)
		if total > 0 {
			p.AvgEntry = (p.AvgEntry*float64(abs(prev)) + price*float64(abs(qty))) / float64(total)
		}
		p.Entries = append(p.Entries, PositionEntry{Qty: qty, Price: price, At: at})
	default:
		// Reducing: average entry holds.
		if prev != 0 && (next == 0 || (prev > 0) != (next > 0)) {
			p.Open = false
			p.ClosedAt = at
		}
	}
	p.Qty = next
	if p.Qty != 0 {
		p.Open = true
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = at
	}
	p.UpdatedAt = at
}

// MarkPL records the current unrealized P&L and updates the extremes.
func (p *Position) MarkPL(pl float64) {
	p.UnrealizedPL = pl
	if pl < p.WorstPL {
		p.WorstPL = pl
	}
	if pl > p.BestPL {
		p.BestPL = pl
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
