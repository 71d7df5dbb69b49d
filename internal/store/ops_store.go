package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

// AppendExecutionFailure records one structured execution failure.
func (s *Store) AppendExecutionFailure(ctx context.Context, f *domain.ExecutionFailure) error {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO execution_failures (strategy_id, trader_id, account_id, symbol, action, kind, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		f.StrategyID, f.TraderID, f.AccountID, f.Symbol, f.Action, f.Kind, f.Detail,
		fmtTime(f.At),
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("store: append execution failure: %w", err)
	}
	return nil
}

// ListExecutionFailures returns the newest failures for monitoring.
func (s *Store) ListExecutionFailures(ctx context.Context, limit int) ([]domain.ExecutionFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, strategy_id, trader_id, account_id, symbol, action, kind, detail, at
		FROM execution_failures ORDER BY at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list execution failures: %w", err)
	}
	defer rows.Close()
	return collectFailures(rows)
}

// ListFailuresBefore returns failures older than the cutoff for archival.
func (s *Store) ListFailuresBefore(ctx context.Context, before time.Time) ([]domain.ExecutionFailure, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, strategy_id, trader_id, account_id, symbol, action, kind, detail, at
		FROM execution_failures WHERE at < ? ORDER BY at`), fmtTime(before))
	if err != nil {
		return nil, fmt.Errorf("store: list failures before: %w", err)
	}
	defer rows.Close()
	return collectFailures(rows)
}

// DeleteFailuresBefore removes archived failure rows.
func (s *Store) DeleteFailuresBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM execution_failures WHERE at < ?`), fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("store: delete failures before: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectFailures(rows *sql.Rows) ([]domain.ExecutionFailure, error) {
	var out []domain.ExecutionFailure
	for rows.Next() {
		var (
			f  domain.ExecutionFailure
			at string
		)
		if err := rows.Scan(&f.ID, &f.StrategyID, &f.TraderID, &f.AccountID,
			&f.Symbol, &f.Action, &f.Kind, &f.Detail, &at); err != nil {
			return nil, fmt.Errorf("store: scan execution failure: %w", err)
		}
		f.At = parseTime(at)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failure rows: %w", err)
	}
	return out, nil
}

// AppendAudit records one append-only audit event.
func (s *Store) AppendAudit(ctx context.Context, event string, detail map[string]any) error {
	encoded, err := jsonEncode(detail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`),
		event, encoded, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("store: append audit %s: %w", event, err)
	}
	return nil
}

// ListAudit returns the newest audit entries.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, event, detail, created_at FROM audit_log ORDER BY created_at DESC LIMIT ?`),
		limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e         domain.AuditEntry
			detail    string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		if err := jsonDecode(detail, &e.Detail); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: audit rows: %w", err)
	}
	return out, nil
}
