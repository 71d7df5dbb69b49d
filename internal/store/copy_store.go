package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

// ListLeaders returns the copy-trading leader accounts, optionally only
// those with auto-copy switched on.
func (s *Store) ListLeaders(ctx context.Context, autoCopyOnly bool) ([]domain.LeaderAccount, error) {
	query := `SELECT id, account_id, auto_copy_enabled, created_at FROM leader_accounts`
	if autoCopyOnly {
		query += ` WHERE auto_copy_enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.q(query))
	if err != nil {
		return nil, fmt.Errorf("store: list leaders: %w", err)
	}
	defer rows.Close()

	var out []domain.LeaderAccount
	for rows.Next() {
		var (
			l         domain.LeaderAccount
			autoCopy  int
			createdAt string
		)
		if err := rows.Scan(&l.ID, &l.AccountID, &autoCopy, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan leader: %w", err)
		}
		l.AutoCopyEnabled = autoCopy != 0
		l.CreatedAt = parseTime(createdAt)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: leader rows: %w", err)
	}
	return out, nil
}

// ListFollowersFor returns the followers linked to a leader.
func (s *Store) ListFollowersFor(ctx context.Context, leaderID int64, enabledOnly bool) ([]domain.FollowerAccount, error) {
	query := `SELECT id, leader_id, account_id, multiplier, max_position_size,
		copy_tp, copy_sl, enabled, created_at
		FROM follower_accounts WHERE leader_id = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.q(query), leaderID)
	if err != nil {
		return nil, fmt.Errorf("store: list followers for leader %d: %w", leaderID, err)
	}
	defer rows.Close()

	var out []domain.FollowerAccount
	for rows.Next() {
		var (
			f              domain.FollowerAccount
			copyTP, copySL int
			enabled        int
			createdAt      string
		)
		if err := rows.Scan(&f.ID, &f.LeaderID, &f.AccountID, &f.Multiplier,
			&f.MaxPositionSize, &copyTP, &copySL, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan follower: %w", err)
		}
		f.CopyTP = copyTP != 0
		f.CopySL = copySL != 0
		f.Enabled = enabled != 0
		f.CreatedAt = parseTime(createdAt)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: follower rows: %w", err)
	}
	return out, nil
}

// IsActiveFollower reports whether an account is an enabled follower of
// any leader. The router skips signal-driven execution on such accounts
// so a trader and a copy follower never both fire on one account.
// The symbol is carried for future symbol-scoped follows; today a follow
// covers the whole account.
func (s *Store) IsActiveFollower(ctx context.Context, accountID int64, symbol string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(1) FROM follower_accounts WHERE account_id = ? AND enabled = 1`),
		accountID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: is active follower %d: %w", accountID, err)
	}
	return n > 0, nil
}

// InsertLeader marks an account as a copy source. It refuses accounts
// already linked as followers (leader XOR follower).
func (s *Store) InsertLeader(ctx context.Context, l *domain.LeaderAccount) (int64, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(1) FROM follower_accounts WHERE account_id = ?`),
		l.AccountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: check follower conflict: %w", err)
	}
	if n > 0 {
		return 0, fmt.Errorf("account %d is already a follower: %w", l.AccountID, domain.ErrIntegrityViolation)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	err = s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO leader_accounts (account_id, auto_copy_enabled, created_at)
		VALUES (?, ?, ?) RETURNING id`),
		l.AccountID, boolToInt(l.AutoCopyEnabled), fmtTime(l.CreatedAt),
	).Scan(&l.ID)
	if err != nil {
		return 0, fmt.Errorf("store: insert leader: %w", err)
	}
	return l.ID, nil
}

// InsertFollower links a follower account to a leader. It refuses
// accounts already registered as leaders (leader XOR follower).
func (s *Store) InsertFollower(ctx context.Context, f *domain.FollowerAccount) (int64, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(1) FROM leader_accounts WHERE account_id = ?`),
		f.AccountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: check leader conflict: %w", err)
	}
	if n > 0 {
		return 0, fmt.Errorf("account %d is already a leader: %w", f.AccountID, domain.ErrIntegrityViolation)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	if f.Multiplier <= 0 {
		f.Multiplier = 1
	}
	err = s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO follower_accounts (leader_id, account_id, multiplier,
			max_position_size, copy_tp, copy_sl, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		f.LeaderID, f.AccountID, f.Multiplier, f.MaxPositionSize,
		boolToInt(f.CopyTP), boolToInt(f.CopySL), boolToInt(f.Enabled),
		fmtTime(f.CreatedAt),
	).Scan(&f.ID)
	if err != nil {
		return 0, fmt.Errorf("store: insert follower: %w", err)
	}
	return f.ID, nil
}

// GetContractMapping resolves a leader symbol to the follower's target
// market, when one is configured.
func (s *Store) GetContractMapping(ctx context.Context, followerID int64, sourceSymbol string) (domain.ContractMapping, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, follower_id, source_symbol, target_symbol, qty_mult
		FROM copy_mappings WHERE follower_id = ? AND source_symbol = ?`),
		followerID, sourceSymbol)

	var m domain.ContractMapping
	err := row.Scan(&m.ID, &m.FollowerID, &m.SourceSymbol, &m.TargetSymbol, &m.QtyMult)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ContractMapping{}, false, nil
	}
	if err != nil {
		return domain.ContractMapping{}, false, fmt.Errorf("store: get contract mapping: %w", err)
	}
	return m, true, nil
}

// AppendCopyLog records one follower copy attempt.
func (s *Store) AppendCopyLog(ctx context.Context, row *domain.CopyTradeLog) error {
	if row.At.IsZero() {
		row.At = time.Now()
	}
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO copy_logs (leader_account_id, follower_account_id, symbol, side,
			leader_qty, follower_qty, leader_price, follower_price,
			status, latency_ms, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		row.LeaderAccountID, row.FollowerAccountID, row.Symbol, string(row.Side),
		row.LeaderQty, row.FollowerQty, row.LeaderPrice, row.FollowerPrice,
		string(row.Status), row.LatencyMS, row.Error, fmtTime(row.At),
	).Scan(&row.ID)
	if err != nil {
		return fmt.Errorf("store: append copy log: %w", err)
	}
	return nil
}

// ListCopyLogs returns the newest copy attempts.
func (s *Store) ListCopyLogs(ctx context.Context, limit int) ([]domain.CopyTradeLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, leader_account_id, follower_account_id, symbol, side,
			leader_qty, follower_qty, leader_price, follower_price,
			status, latency_ms, error, at
		FROM copy_logs ORDER BY at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list copy logs: %w", err)
	}
	defer rows.Close()
	return collectCopyLogs(rows)
}

// ListCopyLogsBefore returns copy rows older than the cutoff for archival.
func (s *Store) ListCopyLogsBefore(ctx context.Context, before time.Time) ([]domain.CopyTradeLog, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, leader_account_id, follower_account_id, symbol, side,
			leader_qty, follower_qty, leader_price, follower_price,
			status, latency_ms, error, at
		FROM copy_logs WHERE at < ? ORDER BY at`), fmtTime(before))
	if err != nil {
		return nil, fmt.Errorf("store: list copy logs before: %w", err)
	}
	defer rows.Close()
	return collectCopyLogs(rows)
}

// DeleteCopyLogsBefore removes archived copy rows.
func (s *Store) DeleteCopyLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM copy_logs WHERE at < ?`), fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("store: delete copy logs before: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectCopyLogs(rows *sql.Rows) ([]domain.CopyTradeLog, error) {
	var out []domain.CopyTradeLog
	for rows.Next() {
		var (
			row domain.CopyTradeLog
			at  string
		)
		if err := rows.Scan(&row.ID, &row.LeaderAccountID, &row.FollowerAccountID,
			&row.Symbol, &row.Side, &row.LeaderQty, &row.FollowerQty,
			&row.LeaderPrice, &row.FollowerPrice, &row.Status,
			&row.LatencyMS, &row.Error, &at); err != nil {
			return nil, fmt.Errorf("store: scan copy log: %w", err)
		}
		row.At = parseTime(at)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: copy log rows: %w", err)
	}
	return out, nil
}
