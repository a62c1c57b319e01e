package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// ParseDriver maps DB_DRIVER values onto a Driver.
func ParseDriver(s string) (Driver, error) {
	switch s {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	}
	return "", fmt.Errorf("unsupported driver: %s", s)
}

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:lti1p3.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/lti1p3?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := EnsureSchema(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates the registry and grade outbox tables when missing.
func EnsureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS lti_registrations (
  issuer TEXT NOT NULL,
  client_id TEXT NOT NULL,
  addressing_mode TEXT NOT NULL DEFAULT 'single', -- single | multi
  is_default INTEGER NOT NULL DEFAULT 0,
  auth_login_url TEXT NOT NULL,
  auth_token_url TEXT NOT NULL,
  auth_audience TEXT NOT NULL DEFAULT '',
  key_set_url TEXT NOT NULL DEFAULT '',
  key_set_json TEXT NOT NULL DEFAULT '',
  private_key_pem TEXT NOT NULL,
  public_key_pem TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (issuer, client_id)
);

CREATE TABLE IF NOT EXISTS lti_deployments (
  issuer TEXT NOT NULL,
  client_id TEXT NOT NULL,
  deployment_id TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (issuer, client_id, deployment_id),
  FOREIGN KEY (issuer, client_id) REFERENCES lti_registrations(issuer, client_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS lti_grade_submissions (
  id TEXT PRIMARY KEY,
  issuer TEXT NOT NULL,
  client_id TEXT NOT NULL,
  deployment_id TEXT NOT NULL DEFAULT '',
  context_id TEXT NOT NULL DEFAULT '',
  resource_link_id TEXT NOT NULL DEFAULT '',
  ags_json TEXT NOT NULL,
  lineitem_json TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL,
  score_given REAL,
  score_maximum REAL NOT NULL DEFAULT 0,
  comment TEXT NOT NULL DEFAULT '',
  activity_progress TEXT NOT NULL DEFAULT '',
  grading_progress TEXT NOT NULL DEFAULT '',
  graded_at INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending', -- pending | ok | failed
  retries INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_grade_submissions_due ON lti_grade_submissions(status, updated_at);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_registrations (
  issuer TEXT NOT NULL,
  client_id TEXT NOT NULL,
  addressing_mode TEXT NOT NULL DEFAULT 'single',
  is_default INTEGER NOT NULL DEFAULT 0,
  auth_login_url TEXT NOT NULL,
  auth_token_url TEXT NOT NULL,
  auth_audience TEXT NOT NULL DEFAULT '',
  key_set_url TEXT NOT NULL DEFAULT '',
  key_set_json TEXT NOT NULL DEFAULT '',
  private_key_pem TEXT NOT NULL,
  public_key_pem TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (issuer, client_id)
);

CREATE TABLE IF NOT EXISTS lti_deployments (
  issuer TEXT NOT NULL,
  client_id TEXT NOT NULL,
  deployment_id TEXT NOT NULL,
  created_at BIGINT NOT NULL,
  PRIMARY KEY (issuer, client_id, deployment_id),
  FOREIGN KEY (issuer, client_id) REFERENCES lti_registrations(issuer, client_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS lti_grade_submissions (
  id TEXT PRIMARY KEY,
  issuer TEXT NOT NULL,
  client_id TEXT NOT NULL,
  deployment_id TEXT NOT NULL DEFAULT '',
  context_id TEXT NOT NULL DEFAULT '',
  resource_link_id TEXT NOT NULL DEFAULT '',
  ags_json TEXT NOT NULL,
  lineitem_json TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL,
  score_given DOUBLE PRECISION,
  score_maximum DOUBLE PRECISION NOT NULL DEFAULT 0,
  comment TEXT NOT NULL DEFAULT '',
  activity_progress TEXT NOT NULL DEFAULT '',
  grading_progress TEXT NOT NULL DEFAULT '',
  graded_at BIGINT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  retries INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_grade_submissions_due ON lti_grade_submissions(status, updated_at);
`
