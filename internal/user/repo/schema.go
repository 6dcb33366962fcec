package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-core/pkg/database"
)

const (
	usersTable       = "local_users"
	legacyUsersTable = "users"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS account_groups (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS plans (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  max_simultaneous_screens INTEGER NOT NULL DEFAULT 1
)`,
	`CREATE TABLE IF NOT EXISTS accounts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  guid TEXT UNIQUE,
  enabled INTEGER NOT NULL DEFAULT 1,
  password TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  is_trial INTEGER NOT NULL DEFAULT 0,
  exp_date TEXT,
  notes TEXT NOT NULL DEFAULT '',
  group_id INTEGER REFERENCES account_groups(id) ON DELETE SET NULL,
  plan_id INTEGER REFERENCES plans(id) ON DELETE SET NULL,
  credit INTEGER NOT NULL DEFAULT 0,
  created_by_id INTEGER REFERENCES accounts(id) ON DELETE SET NULL,
  date_created TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts(email)`,
	`CREATE TABLE IF NOT EXISTS local_users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  guid TEXT NOT NULL UNIQUE,
  data BLOB NOT NULL,
  account_id INTEGER REFERENCES accounts(id) ON DELETE CASCADE
)`,
	`CREATE INDEX IF NOT EXISTS idx_local_users_account_id ON local_users(account_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS account_groups (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS plans (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  max_simultaneous_screens INT NOT NULL DEFAULT 1
)`,
	`CREATE TABLE IF NOT EXISTS accounts (
  id BIGSERIAL PRIMARY KEY,
  guid TEXT UNIQUE,
  enabled BOOLEAN NOT NULL DEFAULT true,
  password TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  is_trial BOOLEAN NOT NULL DEFAULT false,
  exp_date TEXT,
  notes TEXT NOT NULL DEFAULT '',
  group_id BIGINT REFERENCES account_groups(id) ON DELETE SET NULL,
  plan_id BIGINT REFERENCES plans(id) ON DELETE SET NULL,
  credit BIGINT NOT NULL DEFAULT 0,
  created_by_id BIGINT REFERENCES accounts(id) ON DELETE SET NULL,
  date_created TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts(email)`,
	`CREATE TABLE IF NOT EXISTS local_users (
  id BIGSERIAL PRIMARY KEY,
  guid TEXT NOT NULL UNIQUE,
  data BYTEA NOT NULL,
  account_id BIGINT REFERENCES accounts(id) ON DELETE CASCADE
)`,
	`CREATE INDEX IF NOT EXISTS idx_local_users_account_id ON local_users(account_id)`,
}

func schemaFor(d database.Dialect) []string {
	if d == database.DialectPostgres {
		return postgresSchema
	}
	return sqliteSchema
}

// tableExists probes the catalog of the given dialect.
func tableExists(ctx context.Context, q sqlx.QueryerContext, d database.Dialect, name string) (bool, error) {
	if d == database.DialectPostgres {
		var reg sql.NullString
		if err := q.QueryRowxContext(ctx, `SELECT to_regclass($1)`, "public."+name).Scan(&reg); err != nil {
			return false, err
		}
		return reg.Valid, nil
	}
	var n int
	if err := q.QueryRowxContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
