package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

const positionSelectCols = `id, strategy_id, account_id, symbol, qty, avg_entry,
	entries, unrealized_pl, worst_pl, best_pl, is_open, opened_at, closed_at, updated_at`

func scanPosition(sc scanner) (domain.Position, error) {
	var (
		p         domain.Position
		entries   string
		isOpen    int
		openedAt  string
		closedAt  sql.NullString
		updatedAt string
	)
	err := sc.Scan(&p.ID, &p.StrategyID, &p.AccountID, &p.Symbol, &p.Qty, &p.AvgEntry,
		&entries, &p.UnrealizedPL, &p.WorstPL, &p.BestPL, &isOpen,
		&openedAt, &closedAt, &updatedAt)
	if err != nil {
		return domain.Position{}, err
	}
	if err := jsonDecode(entries, &p.Entries); err != nil {
		return domain.Position{}, err
	}
	p.Open = isOpen != 0
	p.OpenedAt = parseTime(openedAt)
	if ts := parseNullTime(closedAt); ts != nil {
		p.ClosedAt = *ts
	}
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// UpsertPosition writes the aggregate keyed by (strategy, account,
// symbol), inserting on first entry and replacing thereafter.
func (s *Store) UpsertPosition(ctx context.Context, p *domain.Position) error {
	entries, err := jsonEncode(p.Entries)
	if err != nil {
		return err
	}
	now := time.Now()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.UpdatedAt = now

	err = s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO positions (strategy_id, account_id, symbol, qty, avg_entry,
			entries, unrealized_pl, worst_pl, best_pl, is_open, opened_at, closed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (strategy_id, account_id, symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_entry = excluded.avg_entry,
			entries = excluded.entries,
			unrealized_pl = excluded.unrealized_pl,
			worst_pl = excluded.worst_pl,
			best_pl = excluded.best_pl,
			is_open = excluded.is_open,
			closed_at = excluded.closed_at,
			updated_at = excluded.updated_at
		RETURNING id`),
		p.StrategyID, p.AccountID, p.Symbol, p.Qty, p.AvgEntry,
		entries, p.UnrealizedPL, p.WorstPL, p.BestPL, boolToInt(p.Open),
		fmtTime(p.OpenedAt), fmtNullTime(nilIfZero(p.ClosedAt)), fmtTime(p.UpdatedAt),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("store: upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

// GetPosition returns the aggregate for one (strategy, account, symbol).
func (s *Store) GetPosition(ctx context.Context, strategyID, accountID int64, symbol string) (domain.Position, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+positionSelectCols+` FROM positions
		WHERE strategy_id = ? AND account_id = ? AND symbol = ?`),
		strategyID, accountID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("position %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("store: get position %s: %w", symbol, err)
	}
	return p, nil
}

// ClosePosition marks an aggregate flat.
func (s *Store) ClosePosition(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE positions SET is_open = 0, qty = 0, closed_at = ?, updated_at = ? WHERE id = ?`),
		fmtTime(at), fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("store: close position %d: %w", id, err)
	}
	return nil
}

// ListOpenPositions returns every open aggregate.
func (s *Store) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+positionSelectCols+` FROM positions WHERE is_open = 1 ORDER BY id`))
	if err != nil {
		return nil, fmt.Errorf("store: list open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: position rows: %w", err)
	}
	return out, nil
}

func nilIfZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
