package application_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"settlement-engine/internal/audit"
	"settlement-engine/internal/platform/database/dbtest"
	"settlement-engine/internal/settlement/application"
	settlement "settlement-engine/internal/settlement/domain"
	"settlement-engine/internal/settlement/infrastructure/memory"
	"settlement-engine/internal/settlement/infrastructure/sqlstore"
	"settlement-engine/internal/settlement/notify"
)

// 2025-W02 runs Monday 2025-01-06 to Sunday 2025-01-12.
var weekStart = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu sync.Mutex

	payees       int
	fundings     int
	requests     []settlement.PayoutRequest
	payoutPrefix string

	payoutErr error
	lookupErr error
	byRef     map[string]settlement.PayoutResult
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{byRef: make(map[string]settlement.PayoutResult), payoutPrefix: "pout"}
}

func (g *fakeGateway) CreatePayee(ctx context.Context, req settlement.PayeeRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payees++
	return fmt.Sprintf("payee_%d", g.payees), nil
}

func (g *fakeGateway) CreateFundingDestination(ctx context.Context, req settlement.FundingRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fundings++
	return fmt.Sprintf("fund_%d", g.fundings), nil
}

func (g *fakeGateway) CreatePayout(ctx context.Context, req settlement.PayoutRequest) (settlement.PayoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.payoutErr != nil {
		return settlement.PayoutResult{}, g.payoutErr
	}
	result := settlement.PayoutResult{
		PayoutID:  fmt.Sprintf("%s_%d", g.payoutPrefix, len(g.requests)),
		Reference: req.Reference,
		Status:    settlement.PayoutStatusQueued,
	}
	g.byRef[req.Reference] = result
	return result, nil
}

func (g *fakeGateway) FindPayoutByReference(ctx context.Context, reference string) (*settlement.PayoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	result, ok := g.byRef[reference]
	if !ok {
		return nil, fmt.Errorf("%w: payout with reference %s", settlement.ErrNotFound, reference)
	}
	return &result, nil
}

func (g *fakeGateway) setPayoutErr(err error) {
	g.mu.Lock()
	g.payoutErr = err
	g.mu.Unlock()
}

func (g *fakeGateway) payoutCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *fakeGateway) lastRequest() settlement.PayoutRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.AlertMessage
}

func (n *recordingNotifier) Notify(ctx context.Context, msg notify.AlertMessage) error {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type testEnv struct {
	clock      *fakeClock
	ledger     *memory.OrderLedger
	repo       *sqlstore.SettlementRepository
	accounts   *sqlstore.PayoutAccountRepository
	attempts   *sqlstore.AttemptRepository
	auditLog   *audit.Repository
	gateway    *fakeGateway
	notifier   *recordingNotifier
	store      *application.SettlementStore
	payouts    *application.PayoutOrchestrator
	reconciler *application.Reconciler
	week       settlement.WeekRange
	restaurant string
	logs       *test.Hook
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithDB(t, dbtest.SQLite(t))
}

// newPostgresTestEnv runs against PG_DSN. The database is shared between runs,
// so restaurant and payout ids are unique per test.
func newPostgresTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnvWithDB(t, dbtest.Postgres(t))
	suffix := uuid.NewString()[:8]
	env.restaurant = "rest-" + suffix
	env.gateway.payoutPrefix = "pout-" + suffix
	return env
}

func newTestEnvWithDB(t *testing.T, db *sqlx.DB) *testEnv {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	env := &testEnv{
		clock:      &fakeClock{now: time.Date(2025, 1, 13, 3, 0, 0, 0, time.UTC)},
		ledger:     memory.NewOrderLedger(),
		repo:       sqlstore.NewSettlementRepository(db),
		accounts:   sqlstore.NewPayoutAccountRepository(db),
		attempts:   sqlstore.NewAttemptRepository(db),
		auditLog:   audit.NewRepository(db),
		gateway:    newFakeGateway(),
		notifier:   &recordingNotifier{},
		restaurant: "rest-a",
		logs:       hook,
	}

	week, err := settlement.WeekFromIsoYearWeek(202502, time.UTC)
	require.NoError(t, err)
	env.week = week

	aggregator, err := application.NewAggregator(env.ledger, decimal.NewFromInt(10))
	require.NoError(t, err)
	env.store, err = application.NewSettlementStore(env.repo, aggregator,
		application.StoreConfig{Currency: "INR", DueDateOffsetDays: settlement.DefaultDueDateOffsetDays},
		env.clock, env.auditLog, logger)
	require.NoError(t, err)

	env.payouts, err = application.NewPayoutOrchestrator(application.PayoutDeps{
		Repo:     env.repo,
		Accounts: env.accounts,
		Attempts: env.attempts,
		Gateway:  env.gateway,
		Clock:    env.clock,
		Audit:    env.auditLog,
		Notifier: env.notifier,
		Logger:   logger,
	}, application.TransferModePolicy{Default: settlement.TransferModeIMPS}, application.PayoutConfig{Currency: "INR"})
	require.NoError(t, err)

	env.reconciler, err = application.NewReconciler(application.ReconcilerDeps{
		Repo:     env.repo,
		Attempts: env.attempts,
		Lookup:   env.gateway,
		Clock:    env.clock,
		Audit:    env.auditLog,
		Notifier: env.notifier,
		Logger:   logger,
	}, application.ReconcileConfig{StaleAfter: time.Minute, Grace: time.Hour})
	require.NoError(t, err)
	return env
}

func (e *testEnv) addOrder(id, restaurantID, amount string, createdAt time.Time) {
	e.ledger.Put(memory.Order{
		DeliveredOrder: settlement.DeliveredOrder{
			ID:           id,
			RestaurantID: restaurantID,
			GrossAmount:  decimal.RequireFromString(amount),
			CreatedAt:    createdAt,
		},
		Status: "delivered",
	})
}

func (e *testEnv) saveAccount(t *testing.T, restaurantID string) {
	t.Helper()
	require.NoError(t, e.accounts.Save(context.Background(), settlement.PayoutAccount{
		RestaurantID:  restaurantID,
		DisplayName:   "Dosa Corner",
		ContactPhone:  "+919876543210",
		Method:        settlement.MethodBankAccount,
		AccountHolder: "Dosa Corner LLP",
		AccountNumber: "123456789012",
		IFSC:          "HDFC0001234",
		UpdatedAt:     e.clock.Now(),
	}))
}

// pendingSettlement seeds three orders worth 1000.00 and returns the settlement id.
func (e *testEnv) pendingSettlement(t *testing.T) string {
	t.Helper()
	e.addOrder("o-1", e.restaurant, "250.00", weekStart.Add(10*time.Hour))
	e.addOrder("o-2", e.restaurant, "300.00", weekStart.Add(50*time.Hour))
	e.addOrder("o-3", e.restaurant, "450.00", weekStart.Add(6*24*time.Hour+23*time.Hour))
	result, err := e.store.UpsertWeek(context.Background(), e.week)
	require.NoError(t, err)
	require.Len(t, result.Settlements, 1)
	e.saveAccount(t, e.restaurant)
	return result.Settlements[0]
}

// orchestratorWith builds a payout orchestrator over the env's stores with a
// different gateway.
func (e *testEnv) orchestratorWith(t *testing.T, gw settlement.PayoutGateway) *application.PayoutOrchestrator {
	t.Helper()
	o, err := application.NewPayoutOrchestrator(application.PayoutDeps{
		Repo: e.repo, Accounts: e.accounts, Attempts: e.attempts, Gateway: gw, Clock: e.clock, Notifier: e.notifier,
	}, application.TransferModePolicy{}, application.PayoutConfig{Currency: "INR"})
	require.NoError(t, err)
	return o
}

// reentrantGateway runs during once, inside the first CreatePayee call, to
// interleave a second operator with the one being served.
type reentrantGateway struct {
	*fakeGateway

	hookMu sync.Mutex
	during func()
}

func (g *reentrantGateway) CreatePayee(ctx context.Context, req settlement.PayeeRequest) (string, error) {
	g.hookMu.Lock()
	hook := g.during
	g.during = nil
	g.hookMu.Unlock()
	if hook != nil {
		hook()
	}
	return g.fakeGateway.CreatePayee(ctx, req)
}
