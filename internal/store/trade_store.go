package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

const tradeSelectCols = `id, strategy_id, trader_id, account_id, signal_id, symbol,
	side, qty, entry_price, entry_at, exit_price, exit_at, status, exit_reason,
	tp_order_id, sl_order_id, realized_pl`

func scanTrade(sc scanner) (domain.Trade, error) {
	var (
		t         domain.Trade
		entryAt   string
		exitPrice sql.NullFloat64
		exitAt    sql.NullString
	)
	err := sc.Scan(&t.ID, &t.StrategyID, &t.TraderID, &t.AccountID, &t.SignalID,
		&t.Symbol, &t.Side, &t.Qty, &t.EntryPrice, &entryAt,
		&exitPrice, &exitAt, &t.Status, &t.ExitReason,
		&t.TPOrderID, &t.SLOrderID, &t.RealizedPL)
	if err != nil {
		return domain.Trade{}, err
	}
	t.EntryAt = parseTime(entryAt)
	if exitPrice.Valid {
		t.ExitPrice = exitPrice.Float64
	}
	if ts := parseNullTime(exitAt); ts != nil {
		t.ExitAt = *ts
	}
	return t, nil
}

// OpenTrade persists a fresh entry record and returns its id.
func (s *Store) OpenTrade(ctx context.Context, t *domain.Trade) (int64, error) {
	if t.EntryAt.IsZero() {
		t.EntryAt = time.Now()
	}
	t.Status = domain.TradeOpen
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO trades (strategy_id, trader_id, account_id, signal_id, symbol,
			side, qty, entry_price, entry_at, status, exit_reason,
			tp_order_id, sl_order_id, realized_pl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, 0)
		RETURNING id`),
		t.StrategyID, t.TraderID, t.AccountID, t.SignalID, t.Symbol,
		string(t.Side), t.Qty, t.EntryPrice, fmtTime(t.EntryAt),
		string(domain.TradeOpen), t.TPOrderID, t.SLOrderID,
	).Scan(&t.ID)
	if err != nil {
		return 0, fmt.Errorf("store: open trade: %w", err)
	}
	return t.ID, nil
}

// CloseTrade marks a trade closed with its exit details. Closing an
// already-closed trade is a no-op so repair paths stay idempotent.
func (s *Store) CloseTrade(ctx context.Context, id int64, exitPrice float64, reason string, realizedPL float64) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE trades SET status = ?, exit_price = ?, exit_at = ?, exit_reason = ?, realized_pl = ?
		WHERE id = ? AND status = ?`),
		string(domain.TradeClosed), exitPrice, fmtTime(time.Now()), reason, realizedPL,
		id, string(domain.TradeOpen))
	if err != nil {
		return fmt.Errorf("store: close trade %d: %w", id, err)
	}
	return nil
}

// UpdateTradeQty adjusts a trade's quantity after a broker-verified
// disagreement or an add/trim.
func (s *Store) UpdateTradeQty(ctx context.Context, id int64, qty int) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE trades SET qty = ? WHERE id = ?`), qty, id)
	if err != nil {
		return fmt.Errorf("store: update trade %d qty: %w", id, err)
	}
	return nil
}

// SetTradeExitOrders records the working take-profit/stop order IDs after
// a (re)placement. Empty strings clear the reference.
func (s *Store) SetTradeExitOrders(ctx context.Context, id int64, tpOrderID, slOrderID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE trades SET tp_order_id = ?, sl_order_id = ? WHERE id = ?`),
		tpOrderID, slOrderID, id)
	if err != nil {
		return fmt.Errorf("store: set trade %d exit orders: %w", id, err)
	}
	return nil
}

// GetTrade returns one trade by id.
func (s *Store) GetTrade(ctx context.Context, id int64) (domain.Trade, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+tradeSelectCols+` FROM trades WHERE id = ?`), id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trade{}, fmt.Errorf("trade %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Trade{}, fmt.Errorf("store: get trade %d: %w", id, err)
	}
	return t, nil
}

// ListOpenTrades returns the open trades for one strategy.
func (s *Store) ListOpenTrades(ctx context.Context, strategyID int64) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+tradeSelectCols+` FROM trades
		WHERE strategy_id = ? AND status = ? ORDER BY id`),
		strategyID, string(domain.TradeOpen))
	if err != nil {
		return nil, fmt.Errorf("store: list open trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ListOpenTradesForAccount returns the open trades on one account+symbol.
func (s *Store) ListOpenTradesForAccount(ctx context.Context, accountID int64, symbol string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+tradeSelectCols+` FROM trades
		WHERE account_id = ? AND symbol = ? AND status = ? ORDER BY id`),
		accountID, symbol, string(domain.TradeOpen))
	if err != nil {
		return nil, fmt.Errorf("store: list open trades for account %d: %w", accountID, err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ListAllOpenTrades returns every open trade; the reconciler sweeps this.
func (s *Store) ListAllOpenTrades(ctx context.Context) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+tradeSelectCols+` FROM trades WHERE status = ? ORDER BY id`),
		string(domain.TradeOpen))
	if err != nil {
		return nil, fmt.Errorf("store: list all open trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// DailyRealizedPL sums the realized P&L of a trader's trades closed since
// the session start. Feeds the max-daily-loss filter.
func (s *Store) DailyRealizedPL(ctx context.Context, traderID int64, since time.Time) (float64, error) {
	var pl sql.NullFloat64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT SUM(realized_pl) FROM trades
		WHERE trader_id = ? AND status = ? AND exit_at >= ?`),
		traderID, string(domain.TradeClosed), fmtTime(since)).Scan(&pl)
	if err != nil {
		return 0, fmt.Errorf("store: daily realized pl for trader %d: %w", traderID, err)
	}
	return pl.Float64, nil
}

func collectTrades(rows *sql.Rows) ([]domain.Trade, error) {
	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan trade: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: trade rows: %w", err)
	}
	return out, nil
}
