package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies embedded SQL files in lexicographic order and tracks them
// in a schema_migrations table. Statements are executed one at a time
// (pgx's extended protocol rejects multi-statement strings) and re-runs are
// safe: tables and indexes are created with IF NOT EXISTS, and duplicate
// column adds are treated as already done.
func (s *Store) Migrate(ctx context.Context) error {
	const tracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, tracker); err != nil {
		return fmt.Errorf("store: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied int
		err := s.db.QueryRowContext(ctx,
			s.q("SELECT COUNT(1) FROM schema_migrations WHERE filename = ?"),
			entry.Name(),
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("store: check migration %s: %w", entry.Name(), err)
		}
		if applied > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", entry.Name(), err)
		}

		for _, stmt := range splitStatements(s.expandMacros(string(data))) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				if benignMigrationError(err) {
					continue
				}
				return fmt.Errorf("store: exec migration %s: %w", entry.Name(), err)
			}
		}

		if _, err := s.db.ExecContext(ctx,
			s.q("INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)"),
			entry.Name(), fmtTime(time.Now()),
		); err != nil {
			return fmt.Errorf("store: record migration %s: %w", entry.Name(), err)
		}
		s.logger.Info("migration applied", "file", entry.Name())
	}

	// The copy-trading invariant (an account is a leader or a follower,
	// never both) cannot be expressed as a cross-table constraint here;
	// writes enforce it in code.
	return nil
}

func (s *Store) expandMacros(sql string) string {
	return strings.ReplaceAll(sql, "{{AUTOID}}", s.dialect.autoID())
}

// splitStatements breaks a migration file into single statements on `;`.
// Comments are stripped first so a semicolon inside one is not taken as
// a statement boundary. Migration files never contain semicolons inside
// string literals.
func splitStatements(sql string) []string {
	parts := strings.Split(stripLineComments(sql), ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// stripLineComments drops `--` comments, whole-line and trailing.
func stripLineComments(sql string) string {
	lines := strings.Split(sql, "\n")
	kept := lines[:0]
	for _, ln := range lines {
		if i := strings.Index(ln, "--"); i >= 0 {
			ln = ln[:i]
		}
		if strings.TrimSpace(ln) == "" {
			continue
		}
		kept = append(kept, ln)
	}
	return strings.Join(kept, "\n")
}

// benignMigrationError matches the "it is already there" failures that an
// additive migration can hit when the tracking table was reset:
// sqlite reports "duplicate column name", postgres "already exists".
func benignMigrationError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "already exists")
}
