package db

import (
	"context"
	"testing"
)

func TestParseDriver(t *testing.T) {
	for in, want := range map[string]Driver{"": DriverSQLite, "sqlite3": DriverSQLite, "pgx": DriverPostgres, "postgresql": DriverPostgres} {
		got, err := ParseDriver(in)
		if err != nil || got != want {
			t.Errorf("ParseDriver(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDriver("mysql"); err == nil {
		t.Errorf("mysql accepted")
	}
}

func TestOpen_SQLiteSchema(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, DriverSQLite, "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	// idempotent
	if err := EnsureSchema(ctx, conn, DriverSQLite); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM lti_deployments`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("deployments table: %d %v", n, err)
	}
}

func TestOpenRedis_BadURL(t *testing.T) {
	if _, err := OpenRedis(context.Background(), "not-a-redis-url"); err == nil {
		t.Fatalf("bad url accepted")
	}
}
