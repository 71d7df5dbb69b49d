package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

const accountSelectCols = `id, user_id, broker, environment, name, subaccount,
	credentials, enabled, needs_reauth, reauth_reason, created_at`

// scanAccount reads one account row. The credentials column holds the
// encrypted blob; decryption happens only in the WithCredentials reads.
func scanAccount(sc scanner) (domain.Account, string, error) {
	var (
		a           domain.Account
		credBlob    string
		enabled     int
		needsReauth int
		createdAt   string
	)
	err := sc.Scan(&a.ID, &a.UserID, &a.Broker, &a.Environment, &a.Name, &a.Subaccount,
		&credBlob, &enabled, &needsReauth, &a.ReauthReason, &createdAt)
	if err != nil {
		return domain.Account{}, "", err
	}
	a.Enabled = enabled != 0
	a.NeedsReauth = needsReauth != 0
	a.CreatedAt = parseTime(createdAt)
	return a, credBlob, nil
}

// GetAccount returns one account without decrypting its credentials.
func (s *Store) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+accountSelectCols+` FROM accounts WHERE id = ?`), id)
	a, _, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("store: get account %d: %w", id, err)
	}
	return a, nil
}

// GetAccountWithCredentials returns one account with the credential blob
// decrypted into Account.Credentials.
func (s *Store) GetAccountWithCredentials(ctx context.Context, id int64) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+accountSelectCols+` FROM accounts WHERE id = ?`), id)
	a, blob, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("store: get account %d: %w", id, err)
	}
	if err := s.decryptCreds(blob, &a); err != nil {
		return domain.Account{}, fmt.Errorf("store: account %d credentials: %w", id, err)
	}
	return a, nil
}

// ListAccounts returns all accounts, credentials omitted.
func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+accountSelectCols+` FROM accounts ORDER BY id`))
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows, false, s)
}

// ListOAuthAccounts returns every enabled account whose credentials carry
// a managed short-lived token, decrypted. The credential keeper sweeps
// this set.
func (s *Store) ListOAuthAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+accountSelectCols+` FROM accounts
		     WHERE enabled = 1 AND needs_reauth = 0 ORDER BY id`))
	if err != nil {
		return nil, fmt.Errorf("store: list oauth accounts: %w", err)
	}
	defer rows.Close()

	all, err := collectAccounts(rows, true, s)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.Credentials.HasOAuthToken() {
			out = append(out, a)
		}
	}
	return out, nil
}

func collectAccounts(rows *sql.Rows, decrypt bool, s *Store) ([]domain.Account, error) {
	var out []domain.Account
	for rows.Next() {
		a, blob, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		if decrypt {
			if err := s.decryptCreds(blob, &a); err != nil {
				// A single undecryptable blob must not hide every other
				// account from the keeper.
				s.logger.Warn("skipping account with bad credential blob",
					"account_id", a.ID, "error", err)
				continue
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: account rows: %w", err)
	}
	return out, nil
}

// UpdateAccountCredentials re-encrypts and stores a fresh credential set
// (the keeper calls this after every token refresh).
func (s *Store) UpdateAccountCredentials(ctx context.Context, id int64, creds domain.Credentials) error {
	blob, err := s.encryptCreds(creds)
	if err != nil {
		return fmt.Errorf("store: encrypt credentials for account %d: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE accounts SET credentials = ? WHERE id = ?`), blob, id)
	if err != nil {
		return fmt.Errorf("store: update credentials for account %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// MarkAccountNeedsReauth flags an account as requiring user action. The
// account drops out of the auto-trading pool until cleared.
func (s *Store) MarkAccountNeedsReauth(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE accounts SET needs_reauth = 1, reauth_reason = ? WHERE id = ?`), reason, id)
	if err != nil {
		return fmt.Errorf("store: mark account %d needs reauth: %w", id, err)
	}
	return nil
}

// ClearAccountReauth restores an account to the auto-trading pool after
// the user re-authenticates.
func (s *Store) ClearAccountReauth(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE accounts SET needs_reauth = 0, reauth_reason = '' WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("store: clear reauth for account %d: %w", id, err)
	}
	return nil
}

// InsertAccount persists a new account with its credentials encrypted.
func (s *Store) InsertAccount(ctx context.Context, a *domain.Account) (int64, error) {
	blob, err := s.encryptCreds(a.Credentials)
	if err != nil {
		return 0, fmt.Errorf("store: encrypt credentials: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	err = s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO accounts (user_id, broker, environment, name, subaccount,
			credentials, enabled, needs_reauth, reauth_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		a.UserID, string(a.Broker), string(a.Environment), a.Name, a.Subaccount,
		blob, boolToInt(a.Enabled), boolToInt(a.NeedsReauth), a.ReauthReason,
		fmtTime(a.CreatedAt),
	).Scan(&a.ID)
	if err != nil {
		return 0, fmt.Errorf("store: insert account: %w", err)
	}
	return a.ID, nil
}

func (s *Store) encryptCreds(creds domain.Credentials) (string, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	blob, err := s.cipher.Encrypt(plain)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func (s *Store) decryptCreds(blob string, a *domain.Account) error {
	if blob == "" {
		return nil
	}
	plain, err := s.cipher.Decrypt([]byte(blob))
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, &a.Credentials)
}
