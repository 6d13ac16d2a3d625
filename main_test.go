package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/internal/platform/database"
	"settlement-engine/internal/platform/database/dbtest"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", path)
	t.Setenv("COMMISSION_RATE", "10")
	t.Setenv("GATEWAY_BASE_URL", "")
	t.Setenv("LOG_LEVEL", "error")
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env"), "--actor", "tester"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedOrders(t *testing.T, path string) {
	t.Helper()
	db, err := database.Open(context.Background(), database.DriverSQLite, path)
	require.NoError(t, err)
	defer db.Close()
	dbtest.CreateOrdersTable(t, db, "orders")
	monday := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	orders := map[string]string{"o-1": "250.00", "o-2": "300.00", "o-3": "450.00"}
	for id, amount := range orders {
		_, err := db.Exec(`INSERT INTO orders (id, restaurant_id, status, total_amount, created_at) VALUES (?,?,?,?,?)`,
			id, "rest-a", "delivered", amount, monday)
		require.NoError(t, err)
	}
}

func TestCLI_AggregateAndShowWeek(t *testing.T) {
	path := setupEnv(t)

	_, err := run(t, "migrate")
	require.NoError(t, err)
	seedOrders(t, path)

	out, err := run(t, "week", "preview", "2025-W02")
	require.NoError(t, err)
	assert.Contains(t, out, "rest-a")
	assert.Contains(t, out, "900.00")

	out, err = run(t, "week", "aggregate", "2025-W02")
	require.NoError(t, err)
	assert.Contains(t, out, "2025-W02: created=1 updated=0 frozen=0 links=3")

	out, err = run(t, "week", "aggregate", "2025-W02")
	require.NoError(t, err)
	assert.Contains(t, out, "created=0 updated=1")

	out, err = run(t, "week", "show", "202502")
	require.NoError(t, err)
	assert.Contains(t, out, "1000.00")
	assert.Contains(t, out, "100.00")
	assert.Contains(t, out, "pending")
}

func TestCLI_PayoutCommandsNeedGateway(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "migrate")
	require.NoError(t, err)

	_, err = run(t, "payout", "initiate", "s-1")
	assert.ErrorIs(t, err, errGatewayNotConfigured)

	_, err = run(t, "payout", "clear", "s-missing")
	assert.Error(t, err)
}

func TestCLI_AccountSetAndShow(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "migrate")
	require.NoError(t, err)

	_, err = run(t, "account", "set", "rest-a", "--name", "Rest A", "--method", "vpa", "--vpa", "resta@upi")
	require.NoError(t, err)

	out, err := run(t, "account", "show", "rest-a")
	require.NoError(t, err)
	assert.Contains(t, out, "Rest A")
	assert.Contains(t, out, "vpa")

	_, err = run(t, "account", "set", "rest-b", "--name", "Rest B", "--transfer-mode", "SWIFT")
	assert.Error(t, err)
}

func TestCLI_RejectsBadConfig(t *testing.T) {
	setupEnv(t)
	t.Setenv("COMMISSION_RATE", "250")
	_, err := run(t, "migrate")
	assert.Error(t, err)
}
