// Package store persists platform state behind the domain.Store contract.
//
// One set of SQL statements serves both back-ends. Statements are written
// with `?` placeholders and rewritten per dialect at call time; booleans are
// stored as INTEGER 0/1 and timestamps as RFC 3339 UTC text so that the same
// scan code runs against SQLite and Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/crypto"
	"github.com/jtradehq/jtrade/internal/domain"
)

const pingTimeout = 5 * time.Second

// Store implements domain.Store over database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
	cipher  *crypto.CredCipher
	logger  *slog.Logger
}

var _ domain.Store = (*Store)(nil)

// Open connects to the configured back-end and verifies the connection.
// It does not run migrations; call Migrate explicitly.
func Open(ctx context.Context, cfg config.StoreConfig, cipher *crypto.CredCipher, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		cipher: cipher,
		logger: logger.With("component", "store", "backend", cfg.Backend),
	}

	var err error
	switch cfg.Backend {
	case config.BackendSQLite:
		s.dialect = dialectSQLite
		s.db, err = openSQLite(cfg)
	case config.BackendPostgres:
		s.dialect = dialectPostgres
		s.db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", cfg.Backend, err)
	}
	s.logger.Info("store connected")
	return s, nil
}

func openSQLite(cfg config.StoreConfig) (*sql.DB, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = "jtrade.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", dsn, err)
	}
	// modernc's driver serializes writes; one connection avoids SQLITE_BUSY
	// races between the pools and the reconciler.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: sqlite pragmas: %w", err)
	}
	return db, nil
}

func openPostgres(cfg config.StoreConfig) (*sql.DB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Ping reports back-end reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// q rewrites the shared `?` placeholder form for the active dialect.
func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

// scanner lets one scan helper serve both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// --- shared encoding helpers ---

// timeLayout keeps lexicographic order equal to chronological order so
// range predicates on stored timestamps work as plain string comparisons.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func fmtNullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return fmtTime(*t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func jsonEncode(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: encode json: %w", err)
	}
	return string(b), nil
}

func jsonDecode(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("store: decode json: %w", err)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}
