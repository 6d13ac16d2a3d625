package sqlstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/internal/platform/database/dbtest"
	settlement "settlement-engine/internal/settlement/domain"
	"settlement-engine/internal/settlement/infrastructure/sqlstore"
)

func TestAttemptClaim_OneInFlightPerSettlement(t *testing.T) {
	db := dbtest.SQLite(t)
	ctx := context.Background()
	res, err := sqlstore.NewSettlementRepository(db).ApplyWeek(ctx, testWeek(t), []settlement.WeekAggregate{aggregate("rest-a", "100.00", "o-1")}, meta(testNow))
	require.NoError(t, err)
	id := res.Settlements[0]
	attempts := sqlstore.NewAttemptRepository(db)

	first := &settlement.PayoutAttempt{SettlementID: id, IdempotencyKey: uuid.NewString(), AmountMinor: 9000, Mode: settlement.TransferModeIMPS, CreatedAt: testNow}
	ok, err := attempts.Claim(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)

	second := &settlement.PayoutAttempt{SettlementID: id, IdempotencyKey: uuid.NewString(), AmountMinor: 9000, Mode: settlement.TransferModeIMPS, CreatedAt: testNow}
	ok, err = attempts.Claim(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose while the first is in flight")

	stale, err := attempts.ListStale(ctx, testNow.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, first.IdempotencyKey, stale[0].IdempotencyKey)

	require.NoError(t, attempts.Resolve(ctx, first.IdempotencyKey, settlement.AttemptFailedRetryable, "", "", "503 from gateway", testNow.Add(time.Second)))
	err = attempts.Resolve(ctx, first.IdempotencyKey, settlement.AttemptSucceeded, "pout_1", "ref", "", testNow.Add(2*time.Second))
	assert.True(t, errors.Is(err, settlement.ErrStateTransition), "resolved attempts stay resolved")

	third := &settlement.PayoutAttempt{SettlementID: id, IdempotencyKey: uuid.NewString(), AmountMinor: 9000, Mode: settlement.TransferModeIMPS, CreatedAt: testNow.Add(time.Minute)}
	ok, err = attempts.Claim(ctx, third)
	require.NoError(t, err)
	assert.True(t, ok)

	latest, err := attempts.Latest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, third.IdempotencyKey, latest.IdempotencyKey)
	assert.Equal(t, settlement.AttemptRequested, latest.Outcome)
	assert.Equal(t, int64(9000), latest.AmountMinor)

	byKey, err := attempts.Get(ctx, first.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, settlement.AttemptFailedRetryable, byKey.Outcome)
	assert.Equal(t, "503 from gateway", byKey.Error)
	assert.False(t, byKey.ResolvedAt.IsZero())

	_, err = attempts.Latest(ctx, "missing")
	assert.True(t, errors.Is(err, settlement.ErrNotFound))
}

func TestPayoutAccount_AttachKeepsFirstWriter(t *testing.T) {
	db := dbtest.SQLite(t)
	ctx := context.Background()
	accounts := sqlstore.NewPayoutAccountRepository(db)

	_, err := accounts.Get(ctx, "rest-a")
	assert.True(t, errors.Is(err, settlement.ErrPayoutAccountMissing))

	require.NoError(t, accounts.Save(ctx, settlement.PayoutAccount{
		RestaurantID:  "rest-a",
		DisplayName:   "Dosa Corner",
		ContactPhone:  "+919876543210",
		Method:        settlement.MethodBankAccount,
		AccountHolder: "Dosa Corner LLP",
		AccountNumber: "123456789012",
		IFSC:          "HDFC0001234",
		TransferMode:  settlement.TransferModeNEFT,
		UpdatedAt:     testNow,
	}))

	linked, err := accounts.AttachPayee(ctx, "rest-a", "payee_1", testNow)
	require.NoError(t, err)
	assert.Equal(t, "payee_1", linked)

	linked, err = accounts.AttachPayee(ctx, "rest-a", "payee_2", testNow)
	require.NoError(t, err)
	assert.Equal(t, "payee_1", linked, "a concurrent creator must adopt the stored payee")

	linked, err = accounts.AttachFunding(ctx, "rest-a", "fund_1", testNow)
	require.NoError(t, err)
	assert.Equal(t, "fund_1", linked)

	account, err := accounts.Get(ctx, "rest-a")
	require.NoError(t, err)
	assert.Equal(t, "payee_1", account.PayeeID)
	assert.Equal(t, "fund_1", account.FundingID)
	assert.Equal(t, settlement.TransferModeNEFT, account.TransferMode)
	assert.Empty(t, account.ContactEmail)

	// Re-saving restaurant details keeps gateway linkage.
	account.DisplayName = "Dosa Corner (Indiranagar)"
	require.NoError(t, accounts.Save(ctx, *account))
	account, err = accounts.Get(ctx, "rest-a")
	require.NoError(t, err)
	assert.Equal(t, "payee_1", account.PayeeID)
	assert.Equal(t, "Dosa Corner (Indiranagar)", account.DisplayName)

	_, err = accounts.AttachPayee(ctx, "rest-missing", "payee_3", testNow)
	assert.True(t, errors.Is(err, settlement.ErrPayoutAccountMissing))
}

func TestAttemptClaim_RequiresPayableSettlement(t *testing.T) {
	db := dbtest.SQLite(t)
	ctx := context.Background()
	repo := sqlstore.NewSettlementRepository(db)
	res, err := repo.ApplyWeek(ctx, testWeek(t), []settlement.WeekAggregate{aggregate("rest-a", "100.00", "o-1")}, meta(testNow))
	require.NoError(t, err)
	id := res.Settlements[0]
	attempts := sqlstore.NewAttemptRepository(db)
	attempt := func(amount int64) *settlement.PayoutAttempt {
		return &settlement.PayoutAttempt{SettlementID: id, IdempotencyKey: uuid.NewString(), AmountMinor: amount, Mode: settlement.TransferModeIMPS, CreatedAt: testNow}
	}

	_, err = attempts.Claim(ctx, attempt(12345))
	assert.True(t, errors.Is(err, settlement.ErrStateTransition), "stale amount: %v", err)

	require.NoError(t, repo.FlagReconciliation(ctx, id, "gateway timeout", testNow))
	ok, err := attempts.Claim(ctx, attempt(9000))
	require.NoError(t, err)
	assert.False(t, ok, "flagged rows cannot be claimed")
	require.NoError(t, repo.ClearReconciliation(ctx, id, testNow))

	ambiguous := attempt(9000)
	ok, err = attempts.Claim(ctx, ambiguous)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, attempts.Resolve(ctx, ambiguous.IdempotencyKey, settlement.AttemptAmbiguous, "", "", "timeout", testNow))
	ok, err = attempts.Claim(ctx, attempt(9000))
	require.NoError(t, err)
	assert.False(t, ok, "an ambiguous attempt keeps the claim")

	again, err := repo.ApplyWeek(ctx, testWeek(t), []settlement.WeekAggregate{aggregate("rest-a", "200.00", "o-1", "o-2")}, meta(testNow.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, []string{id}, again.Frozen)
	row, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("90.00").Equal(row.NetAmount))

	require.NoError(t, attempts.Resolve(ctx, ambiguous.IdempotencyKey, settlement.AttemptNotCreated, "", "", "not at gateway", testNow))
	ok, err = attempts.Claim(ctx, attempt(9000))
	require.NoError(t, err)
	assert.True(t, ok, "not_created releases the claim")

	require.NoError(t, repo.MarkProcessing(ctx, id, "pout_1", "ref-1", testNow))
	ok, err = attempts.Claim(ctx, attempt(9000))
	require.NoError(t, err)
	assert.False(t, ok, "processing rows cannot be claimed")
}
