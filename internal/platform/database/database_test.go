package database_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/internal/platform/database"
)

func TestMigrateSQLiteIsRepeatable(t *testing.T) {
	db, err := database.Open(context.Background(), database.DriverSQLite, filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, database.Migrate(db))
	require.NoError(t, database.Migrate(db))

	for _, table := range []string{"settlements", "settlement_order_links", "payout_accounts", "payout_attempts", "audit_logs"} {
		var count int
		err := db.Get(&count, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
		require.NoError(t, err)
		assert.Equal(t, 1, count, table)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := database.Open(context.Background(), "mysql", "root@/db")
	assert.Error(t, err)
}

func TestSQLiteRebindKeepsQuestionMarks(t *testing.T) {
	db, err := database.Open(context.Background(), database.DriverSQLite, filepath.Join(t.TempDir(), "b.db"))
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "SELECT 1 WHERE a = ? AND b = ?", db.Rebind("SELECT 1 WHERE a = ? AND b = ?"))
}
