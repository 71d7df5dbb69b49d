package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

const traderSelectCols = `id, user_id, strategy_id, account_id, multiplier, overrides, enabled, created_at`

func scanTrader(sc scanner) (domain.Trader, error) {
	var (
		t         domain.Trader
		overrides string
		enabled   int
		createdAt string
	)
	err := sc.Scan(&t.ID, &t.UserID, &t.StrategyID, &t.AccountID,
		&t.Multiplier, &overrides, &enabled, &createdAt)
	if err != nil {
		return domain.Trader{}, err
	}
	if err := jsonDecode(overrides, &t.Overrides); err != nil {
		return domain.Trader{}, err
	}
	t.Enabled = enabled != 0
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// GetTrader returns one strategy→account linkage by id.
func (s *Store) GetTrader(ctx context.Context, id int64) (domain.Trader, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+traderSelectCols+` FROM traders WHERE id = ?`), id)
	t, err := scanTrader(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trader{}, fmt.Errorf("trader %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Trader{}, fmt.Errorf("store: get trader %d: %w", id, err)
	}
	return t, nil
}

// ListTradersForStrategy returns the traders linked to a strategy, in id
// order so fan-out is deterministic.
func (s *Store) ListTradersForStrategy(ctx context.Context, strategyID int64, enabledOnly bool) ([]domain.Trader, error) {
	query := `SELECT ` + traderSelectCols + ` FROM traders WHERE strategy_id = ?`
	args := []any{strategyID}
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list traders for strategy %d: %w", strategyID, err)
	}
	defer rows.Close()
	return collectTraders(rows)
}

// ListEnabledTraders returns every enabled trader across all strategies.
// The reconciler iterates this set.
func (s *Store) ListEnabledTraders(ctx context.Context) ([]domain.Trader, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+traderSelectCols+` FROM traders WHERE enabled = 1 ORDER BY id`))
	if err != nil {
		return nil, fmt.Errorf("store: list enabled traders: %w", err)
	}
	defer rows.Close()
	return collectTraders(rows)
}

func collectTraders(rows *sql.Rows) ([]domain.Trader, error) {
	var out []domain.Trader
	for rows.Next() {
		t, err := scanTrader(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan trader: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: trader rows: %w", err)
	}
	return out, nil
}

// InsertTrader persists a new linkage and returns its id.
func (s *Store) InsertTrader(ctx context.Context, t *domain.Trader) (int64, error) {
	overrides, err := jsonEncode(t.Overrides)
	if err != nil {
		return 0, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Multiplier <= 0 {
		t.Multiplier = 1
	}
	err = s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO traders (user_id, strategy_id, account_id, multiplier, overrides, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		t.UserID, t.StrategyID, t.AccountID, t.Multiplier, overrides,
		boolToInt(t.Enabled), fmtTime(t.CreatedAt),
	).Scan(&t.ID)
	if err != nil {
		return 0, fmt.Errorf("store: insert trader: %w", err)
	}
	return t.ID, nil
}
