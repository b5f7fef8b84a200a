package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/manishjha-04/secureAuth/pkg/database"
)

// The two dialects differ only in timestamp and integer type names.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  email TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'moderator', 'admin')),
  two_factor_secret TEXT,
  two_factor_enabled BOOLEAN NOT NULL DEFAULT FALSE,
  is_locked BOOLEAN NOT NULL DEFAULT FALSE,
  lock_until {{TS}},
  refresh_token TEXT,
  refresh_expires_at {{TS}},
  created_at {{TS}} NOT NULL,
  updated_at {{TS}} NOT NULL
);
CREATE TABLE IF NOT EXISTS account_backup_codes (
  account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
  slot {{INT}} NOT NULL,
  code_hash TEXT NOT NULL,
  used BOOLEAN NOT NULL DEFAULT FALSE,
  issued_at {{TS}} NOT NULL,
  used_at {{TS}},
  PRIMARY KEY (account_id, slot)
);
CREATE TABLE IF NOT EXISTS account_password_history (
  account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
  seq {{INT}} NOT NULL,
  password_hash TEXT NOT NULL,
  created_at {{TS}} NOT NULL,
  PRIMARY KEY (account_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_accounts_refresh_token ON accounts(refresh_token)`

func schemaFor(driver string) []string {
	ts, integer := "TIMESTAMPTZ", "BIGINT"
	if driver == database.DriverSQLite {
		// modernc only decodes TIMESTAMP/DATETIME/DATE columns back into time.Time
		ts, integer = "TIMESTAMP", "INTEGER"
	}
	ddl := strings.NewReplacer("{{TS}}", ts, "{{INT}}", integer).Replace(schemaTemplate)

	var stmts []string
	for _, s := range strings.Split(ddl, ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// EnsureTable creates the account tables if they do not exist (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *AccountRepo) EnsureTable(ctx context.Context) error {
	for _, stmt := range schemaFor(r.db.DriverName()) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure account schema: %w", err)
		}
	}
	return nil
}
