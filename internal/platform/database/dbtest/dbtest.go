// Package dbtest provides migrated throwaway databases for tests.
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"settlement-engine/internal/platform/database"
)

// SQLite returns a migrated file-backed SQLite database under t.TempDir.
func SQLite(t testing.TB) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settlements.db")
	db, err := database.Open(context.Background(), database.DriverSQLite, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db
}

// Postgres returns a migrated Postgres connection or skips when PG_DSN is unset.
func Postgres(t testing.TB) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := database.Open(context.Background(), database.DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate postgres: %v", err)
	}
	return db
}

// CreateOrdersTable creates the ordering service's table the ledger adapter reads.
func CreateOrdersTable(t testing.TB, db *sqlx.DB, table string) {
	t.Helper()
	tsType := "TIMESTAMP"
	if db.DriverName() == database.DriverPostgres {
		tsType = "TIMESTAMPTZ"
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + table + ` (
	id TEXT PRIMARY KEY,
	restaurant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	total_amount NUMERIC(14,2) NOT NULL,
	created_at ` + tsType + ` NOT NULL
)`)
	if err != nil {
		t.Fatalf("create %s: %v", table, err)
	}
}
