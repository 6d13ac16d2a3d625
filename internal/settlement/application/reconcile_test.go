package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	settlement "settlement-engine/internal/settlement/domain"
)

func ambiguousSettlement(t *testing.T, env *testEnv) (string, string) {
	t.Helper()
	id := env.pendingSettlement(t)
	env.gateway.setPayoutErr(errors.New("connection reset by peer"))
	_, err := env.payouts.Initiate(context.Background(), id, "ops")
	require.True(t, errors.Is(err, settlement.ErrGatewayAmbiguous))
	env.gateway.setPayoutErr(nil)
	return id, env.gateway.lastRequest().IdempotencyKey
}

func TestResolvePayout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, key := ambiguousSettlement(t, env)

	_, err := env.reconciler.ResolvePayout(ctx, id, "", key, "ops")
	assert.True(t, errors.Is(err, settlement.ErrValidation))

	s, err := env.reconciler.ResolvePayout(ctx, id, "pout_manual", key, "ops")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusProcessing, s.Status)
	assert.Equal(t, "pout_manual", s.PayoutID)
	assert.False(t, s.NeedsReconciliation)

	attempt, err := env.attempts.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, settlement.AttemptReconciled, attempt.Outcome)

	_, err = env.reconciler.ResolvePayout(ctx, id, "pout_manual", key, "ops")
	assert.True(t, errors.Is(err, settlement.ErrStateTransition))
}

func TestClearReconciliation_AllowsRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, key := ambiguousSettlement(t, env)

	s, err := env.reconciler.ClearReconciliation(ctx, id, "ops")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, s.Status)
	assert.False(t, s.NeedsReconciliation)

	attempt, err := env.attempts.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, settlement.AttemptNotCreated, attempt.Outcome)

	_, err = env.reconciler.ClearReconciliation(ctx, id, "ops")
	assert.True(t, errors.Is(err, settlement.ErrStateTransition), "row is no longer flagged")

	s, err = env.payouts.Initiate(ctx, id, "ops")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusProcessing, s.Status)
}

func TestSweep_ExpiresStaleAttemptAndResolvesFromGateway(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.pendingSettlement(t)

	// A crashed process left a requested attempt behind, but the gateway did create the payout.
	key := uuid.NewString()
	ok, err := env.attempts.Claim(ctx, &settlement.PayoutAttempt{
		SettlementID: id, IdempotencyKey: key, AmountMinor: 90000, Mode: settlement.TransferModeIMPS, CreatedAt: env.clock.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	env.gateway.byRef[key] = settlement.PayoutResult{PayoutID: "pout_crashed", Reference: key, Status: settlement.PayoutStatusProcessed}

	result, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Expired, "attempt is still fresh")

	env.clock.Advance(2 * time.Minute)
	result, err = env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.Resolved)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, 0, result.Errors)
	assert.Equal(t, 1, env.notifier.count())

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, s.Status)
	assert.Equal(t, "pout_crashed", s.PayoutID)
}

func TestSweep_FailsWhenGatewayReportsReversal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, key := ambiguousSettlement(t, env)
	env.gateway.byRef[key] = settlement.PayoutResult{PayoutID: "pout_r", Reference: key, Status: settlement.PayoutStatusReversed}

	result, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Resolved)
	assert.Equal(t, 1, result.Failed)

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusFailed, s.Status)
	assert.Equal(t, "gateway reported payout reversed", s.FailureReason)
}

func TestSweep_ClearsUnknownPayoutAfterGrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, _ := ambiguousSettlement(t, env)

	result, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Waiting)

	env.clock.Advance(2 * time.Hour)
	result, err = env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Cleared)

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, s.Status)
	assert.False(t, s.NeedsReconciliation)
}

func TestSweep_LookupErrorsAreCounted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, _ := ambiguousSettlement(t, env)
	env.gateway.lookupErr = errors.New("gateway down")

	result, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Errors)

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, s.NeedsReconciliation)
}
