package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

const strategySelectCols = `id, user_id, name, symbol, initial_size, add_size,
	tp_legs, stop_plan, dca_plan, breakeven_plan,
	cooldown_seconds, max_signals_session,
	window1_enabled, window1_start, window1_end,
	window2_enabled, window2_start, window2_end,
	auto_flat, auto_flat_cutoff, direction, inverse, signal_delay,
	max_daily_loss, max_contracts_per_trade,
	webhook_token, enabled, archived, created_at, updated_at`

func scanStrategy(sc scanner) (domain.Strategy, error) {
	var (
		st          domain.Strategy
		tpLegs      string
		stopPlan    string
		dcaPlan     string
		bePlan      string
		cooldownSec int64
		w1on, w2on  int
		autoFlat    int
		inverse     int
		enabled     int
		archived    int
		createdAt   string
		updatedAt   string
	)
	err := sc.Scan(
		&st.ID, &st.UserID, &st.Name, &st.Symbol, &st.InitialSize, &st.AddSize,
		&tpLegs, &stopPlan, &dcaPlan, &bePlan,
		&cooldownSec, &st.Filters.MaxSignalsPerSession,
		&w1on, &st.Filters.Window1.Start, &st.Filters.Window1.End,
		&w2on, &st.Filters.Window2.Start, &st.Filters.Window2.End,
		&autoFlat, &st.Filters.AutoFlatCutoff, &st.Filters.Direction, &inverse, &st.Filters.SignalDelay,
		&st.Filters.MaxDailyLoss, &st.Filters.MaxContractsPerTrade,
		&st.WebhookToken, &enabled, &archived, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Strategy{}, err
	}

	if err := jsonDecode(tpLegs, &st.TPLegs); err != nil {
		return domain.Strategy{}, err
	}
	if err := jsonDecode(stopPlan, &st.Stop); err != nil {
		return domain.Strategy{}, err
	}
	if err := jsonDecode(dcaPlan, &st.DCA); err != nil {
		return domain.Strategy{}, err
	}
	if err := jsonDecode(bePlan, &st.BreakEven); err != nil {
		return domain.Strategy{}, err
	}

	st.Filters.SignalCooldown = time.Duration(cooldownSec) * time.Second
	st.Filters.Window1.Enabled = w1on != 0
	st.Filters.Window2.Enabled = w2on != 0
	st.Filters.AutoFlat = autoFlat != 0
	st.Filters.Inverse = inverse != 0
	if st.Filters.Direction == "" {
		st.Filters.Direction = domain.DirBoth
	}
	st.Enabled = enabled != 0
	st.Archived = archived != 0
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

// GetByWebhookToken resolves the strategy an inbound webhook token maps
// to. Archived strategies are returned as-is; the router decides how to
// answer them.
func (s *Store) GetByWebhookToken(ctx context.Context, token string) (domain.Strategy, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+strategySelectCols+` FROM strategies WHERE webhook_token = ?`), token)
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Strategy{}, fmt.Errorf("strategy for token: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("store: get strategy by token: %w", err)
	}
	return st, nil
}

// GetStrategy returns one strategy by id.
func (s *Store) GetStrategy(ctx context.Context, id int64) (domain.Strategy, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+strategySelectCols+` FROM strategies WHERE id = ?`), id)
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Strategy{}, fmt.Errorf("strategy %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("store: get strategy %d: %w", id, err)
	}
	return st, nil
}

// ListStrategies returns all non-archived strategies.
func (s *Store) ListStrategies(ctx context.Context) ([]domain.Strategy, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+strategySelectCols+` FROM strategies WHERE archived = 0 ORDER BY id`))
	if err != nil {
		return nil, fmt.Errorf("store: list strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan strategy: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list strategies rows: %w", err)
	}
	return out, nil
}

// InsertStrategy persists a new strategy and returns its id. Used by
// fixtures and the admin tooling; the trading path never creates rows.
func (s *Store) InsertStrategy(ctx context.Context, st *domain.Strategy) (int64, error) {
	tpLegs, err := jsonEncode(st.TPLegs)
	if err != nil {
		return 0, err
	}
	stopPlan, err := jsonEncode(st.Stop)
	if err != nil {
		return 0, err
	}
	dcaPlan, err := jsonEncode(st.DCA)
	if err != nil {
		return 0, err
	}
	bePlan, err := jsonEncode(st.BreakEven)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	dir := st.Filters.Direction
	if dir == "" {
		dir = domain.DirBoth
	}

	const query = `
		INSERT INTO strategies (
			user_id, name, symbol, initial_size, add_size,
			tp_legs, stop_plan, dca_plan, breakeven_plan,
			cooldown_seconds, max_signals_session,
			window1_enabled, window1_start, window1_end,
			window2_enabled, window2_start, window2_end,
			auto_flat, auto_flat_cutoff, direction, inverse, signal_delay,
			max_daily_loss, max_contracts_per_trade,
			webhook_token, enabled, archived, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`
	err = s.db.QueryRowContext(ctx, s.q(query),
		st.UserID, st.Name, st.Symbol, st.InitialSize, st.AddSize,
		tpLegs, stopPlan, dcaPlan, bePlan,
		int64(st.Filters.SignalCooldown/time.Second), st.Filters.MaxSignalsPerSession,
		boolToInt(st.Filters.Window1.Enabled), st.Filters.Window1.Start, st.Filters.Window1.End,
		boolToInt(st.Filters.Window2.Enabled), st.Filters.Window2.Start, st.Filters.Window2.End,
		boolToInt(st.Filters.AutoFlat), st.Filters.AutoFlatCutoff, string(dir), boolToInt(st.Filters.Inverse), st.Filters.SignalDelay,
		st.Filters.MaxDailyLoss, st.Filters.MaxContractsPerTrade,
		st.WebhookToken, boolToInt(st.Enabled), boolToInt(st.Archived),
		fmtTime(st.CreatedAt), fmtTime(st.UpdatedAt),
	).Scan(&st.ID)
	if err != nil {
		return 0, fmt.Errorf("store: insert strategy: %w", err)
	}
	return st.ID, nil
}
