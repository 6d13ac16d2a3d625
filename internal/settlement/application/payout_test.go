package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/internal/audit"
	"settlement-engine/internal/settlement/application"
	settlement "settlement-engine/internal/settlement/domain"
)

func TestInitiate_MovesToProcessingThenCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.pendingSettlement(t)

	s, err := env.payouts.Initiate(ctx, id, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusProcessing, s.Status)
	assert.Equal(t, "pout_1", s.PayoutID)
	assert.False(t, s.ProcessingAt.IsZero())

	req := env.gateway.lastRequest()
	assert.Equal(t, int64(90000), req.AmountMinor)
	assert.Equal(t, "fund_1", req.FundingID)
	assert.Equal(t, settlement.TransferModeIMPS, req.Mode)
	assert.Equal(t, "Settlement 2025-W02", req.Narration)
	assert.NotEmpty(t, req.IdempotencyKey)
	assert.Equal(t, req.IdempotencyKey, s.PayoutReference)

	attempt, err := env.attempts.Get(ctx, req.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, settlement.AttemptSucceeded, attempt.Outcome)

	_, err = env.payouts.Initiate(ctx, id, "ops@example.com")
	assert.True(t, errors.Is(err, settlement.ErrStateTransition))
	assert.Equal(t, 1, env.gateway.payoutCalls())

	s, err = env.payouts.MarkCompleted(ctx, id, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, s.Status)

	_, err = env.payouts.MarkCompleted(ctx, id, "ops@example.com")
	assert.True(t, errors.Is(err, settlement.ErrStateTransition))
	_, err = env.payouts.MarkFailed(ctx, id, "too late", "ops@example.com")
	assert.True(t, errors.Is(err, settlement.ErrStateTransition))

	entries, err := env.auditLog.ListByResource(ctx, audit.ResourceSettlement, id)
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{"payout.initiate", "payout.processing", "payout.completed"}, actions)
}

func TestGuardedTransitions_NoGatewayCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.pendingSettlement(t)

	_, err := env.payouts.MarkCompleted(ctx, id, "ops")
	assert.True(t, errors.Is(err, settlement.ErrStateTransition))

	_, err = env.payouts.MarkFailed(ctx, id, "", "ops")
	assert.True(t, errors.Is(err, settlement.ErrValidation))

	s, err := env.payouts.MarkFailed(ctx, id, "restaurant closed", "ops")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusFailed, s.Status)
	assert.Equal(t, "restaurant closed", s.FailureReason)

	_, err = env.payouts.Initiate(ctx, id, "ops")
	assert.True(t, errors.Is(err, settlement.ErrStateTransition))
	assert.Equal(t, 0, env.gateway.payoutCalls())

	_, err = env.payouts.Initiate(ctx, "missing", "ops")
	assert.True(t, errors.Is(err, settlement.ErrNotFound))
}

func TestInitiate_RejectedFailsSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.pendingSettlement(t)
	env.gateway.setPayoutErr(fmt.Errorf("%w: invalid ifsc", settlement.ErrGatewayRejected))

	s, err := env.payouts.Initiate(ctx, id, "ops")
	require.Error(t, err)
	assert.True(t, errors.Is(err, settlement.ErrGatewayRejected))
	assert.True(t, errors.Is(err, settlement.ErrGateway))
	assert.Equal(t, settlement.StatusFailed, s.Status)
	assert.Contains(t, s.FailureReason, "invalid ifsc")

	attempt, err := env.attempts.Latest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, settlement.AttemptRejected, attempt.Outcome)
}

func TestInitiate_UnavailableStaysPendingAndRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.pendingSettlement(t)
	env.gateway.setPayoutErr(fmt.Errorf("%w: status 503", settlement.ErrGatewayUnavailable))

	s, err := env.payouts.Initiate(ctx, id, "ops")
	require.Error(t, err)
	assert.True(t, errors.Is(err, settlement.ErrGatewayUnavailable))
	assert.Equal(t, settlement.StatusPending, s.Status)
	assert.False(t, s.NeedsReconciliation)

	first, err := env.attempts.Latest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, settlement.AttemptFailedRetryable, first.Outcome)

	env.gateway.setPayoutErr(nil)
	s, err = env.payouts.Initiate(ctx, id, "ops")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusProcessing, s.Status)
	assert.Equal(t, 2, env.gateway.payoutCalls())
	assert.Equal(t, 1, env.gateway.payees, "payee is created once and reused")
	assert.NotEqual(t, first.IdempotencyKey, env.gateway.lastRequest().IdempotencyKey)
}

func TestInitiate_AmbiguousFlagsAndBlocksRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.pendingSettlement(t)
	env.gateway.setPayoutErr(context.DeadlineExceeded)

	s, err := env.payouts.Initiate(ctx, id, "ops")
	require.Error(t, err)
	assert.True(t, errors.Is(err, settlement.ErrGatewayAmbiguous))
	assert.Equal(t, settlement.StatusPending, s.Status)

	s, err = env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, s.NeedsReconciliation)
	assert.NotEmpty(t, s.ReconciliationNote)
	assert.Equal(t, 1, env.notifier.count())

	env.gateway.setPayoutErr(nil)
	_, err = env.payouts.Initiate(ctx, id, "ops")
	assert.True(t, errors.Is(err, settlement.ErrStateTransition))
	assert.Equal(t, 1, env.gateway.payoutCalls())

	_, err = env.payouts.MarkFailed(ctx, id, "give up", "ops")
	assert.True(t, errors.Is(err, settlement.ErrStateTransition), "money may have moved")

	attempt, err := env.attempts.Latest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, settlement.AttemptAmbiguous, attempt.Outcome)
}

func TestInitiate_AcceptedWithoutPayoutIDIsAmbiguous(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.pendingSettlement(t)
	env.gateway.setPayoutErr(nil)

	gw := &emptyIDGateway{fakeGateway: env.gateway}
	orchestrator, err := application.NewPayoutOrchestrator(application.PayoutDeps{
		Repo: env.repo, Accounts: env.accounts, Attempts: env.attempts, Gateway: gw, Clock: env.clock,
	}, application.TransferModePolicy{}, application.PayoutConfig{})
	require.NoError(t, err)

	_, err = orchestrator.Initiate(ctx, id, "ops")
	assert.True(t, errors.Is(err, settlement.ErrGatewayAmbiguous))
	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, s.NeedsReconciliation)
}

type emptyIDGateway struct {
	*fakeGateway
}

func (g *emptyIDGateway) CreatePayout(ctx context.Context, req settlement.PayoutRequest) (settlement.PayoutResult, error) {
	return settlement.PayoutResult{Status: settlement.PayoutStatusQueued}, nil
}

func TestInitiate_MissingPayoutAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addOrder("o-1", "rest-z", "10.00", weekStart)
	result, err := env.store.UpsertWeek(ctx, env.week)
	require.NoError(t, err)

	_, err = env.payouts.Initiate(ctx, result.Settlements[0], "ops")
	assert.True(t, errors.Is(err, settlement.ErrPayoutAccountMissing))
	_, err = env.attempts.Latest(ctx, result.Settlements[0])
	assert.True(t, errors.Is(err, settlement.ErrNotFound), "no attempt without a destination")
}

func TestWebhookCompletion_IsIdempotentAndReconciles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.pendingSettlement(t)
	env.gateway.setPayoutErr(context.DeadlineExceeded)
	_, err := env.payouts.Initiate(ctx, id, "ops")
	require.Error(t, err)
	key := env.gateway.lastRequest().IdempotencyKey

	_, err = env.payouts.CompleteByPayoutID(ctx, "pout_unknown", "", "webhook")
	assert.True(t, errors.Is(err, settlement.ErrNotFound))

	s, err := env.payouts.CompleteByPayoutID(ctx, "pout_late", key, "webhook")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, s.Status)
	assert.Equal(t, "pout_late", s.PayoutID)
	assert.False(t, s.NeedsReconciliation)

	s, err = env.payouts.CompleteByPayoutID(ctx, "pout_late", key, "webhook")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, s.Status)

	_, err = env.payouts.FailByPayoutID(ctx, "pout_late", key, "reversed", "webhook")
	assert.True(t, errors.Is(err, settlement.ErrStateTransition))

	attempt, err := env.attempts.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, settlement.AttemptReconciled, attempt.Outcome)
}

func TestWebhookFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.pendingSettlement(t)
	s, err := env.payouts.Initiate(ctx, id, "ops")
	require.NoError(t, err)

	s, err = env.payouts.FailByPayoutID(ctx, s.PayoutID, "", "", "webhook")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusFailed, s.Status)
	assert.Equal(t, "gateway reported payout failure", s.FailureReason)

	s, err = env.payouts.FailByPayoutID(ctx, s.PayoutID, "", "again", "webhook")
	require.NoError(t, err)
	assert.Equal(t, "gateway reported payout failure", s.FailureReason)
}

func TestTransferModePolicy_Resolve(t *testing.T) {
	policy := application.TransferModePolicy{
		Default:   settlement.TransferModeNEFT,
		Overrides: map[string]settlement.TransferMode{"rest-big": settlement.TransferModeRTGS},
	}
	cases := []struct {
		name    string
		account settlement.PayoutAccount
		want    settlement.TransferMode
	}{
		{"vpa always upi", settlement.PayoutAccount{RestaurantID: "rest-big", Method: settlement.MethodVPA, TransferMode: settlement.TransferModeIMPS}, settlement.TransferModeUPI},
		{"account mode wins", settlement.PayoutAccount{RestaurantID: "rest-big", Method: settlement.MethodBankAccount, TransferMode: settlement.TransferModeIMPS}, settlement.TransferModeIMPS},
		{"override", settlement.PayoutAccount{RestaurantID: "rest-big", Method: settlement.MethodBankAccount}, settlement.TransferModeRTGS},
		{"default", settlement.PayoutAccount{RestaurantID: "rest-a", Method: settlement.MethodBankAccount}, settlement.TransferModeNEFT},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, policy.Resolve(tc.account))
		})
	}
	assert.Equal(t, settlement.TransferModeIMPS, application.TransferModePolicy{}.Resolve(settlement.PayoutAccount{Method: settlement.MethodBankAccount}))
}

func TestInitiate_SecondOperatorDuringPayeeCreationPaysOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.pendingSettlement(t)

	var (
		second    *settlement.Settlement
		secondErr error
	)
	gw := &reentrantGateway{fakeGateway: env.gateway}
	gw.during = func() {
		second, secondErr = env.payouts.Initiate(ctx, id, "ops-2")
	}

	s, err := env.orchestratorWith(t, gw).Initiate(ctx, id, "ops-1")
	require.NoError(t, secondErr)
	assert.Equal(t, settlement.StatusProcessing, second.Status)

	require.Error(t, err)
	assert.True(t, errors.Is(err, settlement.ErrStateTransition), "got %v", err)
	assert.Equal(t, settlement.StatusProcessing, s.Status)
	assert.Equal(t, 1, env.gateway.payoutCalls())

	account, err := env.accounts.Get(ctx, env.restaurant)
	require.NoError(t, err)
	assert.Equal(t, "payee_1", account.PayeeID, "the operator that finished first linked the payee")
}

func TestInitiate_AmountsChangedBeforeClaimAreNotPaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.pendingSettlement(t)

	gw := &reentrantGateway{fakeGateway: env.gateway}
	gw.during = func() {
		env.addOrder("o-4", env.restaurant, "100.00", weekStart.Add(4*24*time.Hour))
		_, err := env.store.UpsertWeek(ctx, env.week)
		require.NoError(t, err)
	}

	_, err := env.orchestratorWith(t, gw).Initiate(ctx, id, "ops")
	assert.True(t, errors.Is(err, settlement.ErrStateTransition), "got %v", err)
	assert.Equal(t, 0, env.gateway.payoutCalls())
	_, err = env.attempts.Latest(ctx, id)
	assert.True(t, errors.Is(err, settlement.ErrNotFound), "the refused claim leaves no attempt")

	s, err := env.payouts.Initiate(ctx, id, "ops")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusProcessing, s.Status)
	assert.Equal(t, int64(99000), env.gateway.lastRequest().AmountMinor)
}

func TestInitiate_ConcurrentCallsPayOnce(t *testing.T) {
	assertConcurrentInitiatePaysOnce(t, newTestEnv(t))
}

func TestInitiate_ConcurrentCallsPayOnce_Postgres(t *testing.T) {
	assertConcurrentInitiatePaysOnce(t, newPostgresTestEnv(t))
}

func assertConcurrentInitiatePaysOnce(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	id := env.pendingSettlement(t)

	const operators = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < operators; i++ {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := env.payouts.Initiate(ctx, id, actor)
			if err != nil {
				assert.True(t, errors.Is(err, settlement.ErrStateTransition), "%s: %v", actor, err)
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}(fmt.Sprintf("ops-%d", i))
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, env.gateway.payoutCalls())
	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusProcessing, s.Status)
}
