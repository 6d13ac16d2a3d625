package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/internal/audit"
	"settlement-engine/internal/platform/database/dbtest"
)

func TestRepositoryLogAndList(t *testing.T) {
	repo := audit.NewRepository(dbtest.SQLite(t))
	ctx := context.Background()
	base := time.Date(2025, time.January, 13, 9, 0, 0, 0, time.UTC)

	first := audit.NewEntry("ops@example.com", "payout.initiate", audit.ResourceSettlement, "s-1", map[string]any{"amount_minor": 90000})
	first.CreatedAt = base
	require.NoError(t, repo.Log(ctx, first))

	second := audit.NewEntry("", "payout.complete", audit.ResourceSettlement, "s-1", nil)
	second.CreatedAt = base.Add(time.Hour)
	require.NoError(t, repo.Log(ctx, second))

	require.NoError(t, repo.Log(ctx, audit.NewEntry("ops", "payout.initiate", audit.ResourceSettlement, "s-2", nil)))

	entries, err := repo.ListByResource(ctx, audit.ResourceSettlement, "s-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "payout.initiate", entries[0].Action)
	assert.JSONEq(t, `{"amount_minor":90000}`, string(entries[0].Metadata))
	assert.Equal(t, audit.DigestJSON(entries[0].Metadata), entries[0].PayloadDigest)
	assert.Equal(t, "system", entries[1].Actor)
	assert.Empty(t, entries[1].Metadata)
}

func TestNilRepository(t *testing.T) {
	assert.Nil(t, audit.NewRepository(nil))
	var repo *audit.Repository
	assert.Error(t, repo.Log(context.Background(), audit.Entry{}))
}
