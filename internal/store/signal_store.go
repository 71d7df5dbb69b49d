package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

const signalSelectCols = `id, strategy_id, action, raw_body, ticker, price, contracts,
	position_label, signal_time, received_at, status, filter_reason, dedup_key`

func scanSignal(sc scanner) (domain.Signal, error) {
	var (
		sig        domain.Signal
		price      sql.NullFloat64
		contracts  sql.NullFloat64
		signalTime sql.NullString
		receivedAt string
	)
	err := sc.Scan(&sig.ID, &sig.StrategyID, &sig.Action, &sig.RawBody, &sig.Ticker,
		&price, &contracts, &sig.PositionLabel, &signalTime, &receivedAt,
		&sig.Status, &sig.FilterReason, &sig.DedupKey)
	if err != nil {
		return domain.Signal{}, err
	}
	sig.Price = floatPtr(price)
	sig.Contracts = floatPtr(contracts)
	sig.SignalTime = parseNullTime(signalTime)
	sig.ReceivedAt = parseTime(receivedAt)
	return sig, nil
}

// InsertSignal persists a signal record. Every webhook delivery gets a
// row, including unparseable bodies, so the audit trail is complete.
func (s *Store) InsertSignal(ctx context.Context, sig *domain.Signal) error {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO signals (id, strategy_id, action, raw_body, ticker, price, contracts,
			position_label, signal_time, received_at, status, filter_reason, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sig.ID, sig.StrategyID, string(sig.Action), sig.RawBody, sig.Ticker,
		nullFloat(sig.Price), nullFloat(sig.Contracts), sig.PositionLabel,
		fmtNullTime(sig.SignalTime), fmtTime(sig.ReceivedAt),
		string(sig.Status), sig.FilterReason, sig.DedupKey,
	)
	if err != nil {
		return fmt.Errorf("store: insert signal %s: %w", sig.ID, err)
	}
	return nil
}

// UpdateSignalStatus records the router's disposition of a signal.
func (s *Store) UpdateSignalStatus(ctx context.Context, id string, status domain.SignalStatus, reason string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE signals SET status = ?, filter_reason = ? WHERE id = ?`),
		string(status), reason, id)
	if err != nil {
		return fmt.Errorf("store: update signal %s status: %w", id, err)
	}
	return nil
}

// ListRecentSignals returns the newest signals for a strategy.
func (s *Store) ListRecentSignals(ctx context.Context, strategyID int64, limit int) ([]domain.Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+signalSelectCols+` FROM signals
		WHERE strategy_id = ? ORDER BY received_at DESC LIMIT ?`),
		strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent signals: %w", err)
	}
	defer rows.Close()
	return collectSignals(rows)
}

// ListSignalsBefore returns signals received strictly before the cutoff,
// oldest first, for archival.
func (s *Store) ListSignalsBefore(ctx context.Context, before time.Time) ([]domain.Signal, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+signalSelectCols+` FROM signals
		WHERE received_at < ? ORDER BY received_at`),
		fmtTime(before))
	if err != nil {
		return nil, fmt.Errorf("store: list signals before: %w", err)
	}
	defer rows.Close()
	return collectSignals(rows)
}

// DeleteSignalsBefore removes archived signal rows.
func (s *Store) DeleteSignalsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM signals WHERE received_at < ?`), fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("store: delete signals before: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectSignals(rows *sql.Rows) ([]domain.Signal, error) {
	var out []domain.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan signal: %w", err)
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: signal rows: %w", err)
	}
	return out, nil
}
