package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"settlement-engine/internal/audit"
	"settlement-engine/internal/config"
	"settlement-engine/internal/payoutgw"
	"settlement-engine/internal/platform/database"
	settlementapp "settlement-engine/internal/settlement/application"
	settlement "settlement-engine/internal/settlement/domain"
	"settlement-engine/internal/settlement/infrastructure/redislock"
	"settlement-engine/internal/settlement/infrastructure/sqlstore"
	"settlement-engine/internal/settlement/notify"
)

var errGatewayNotConfigured = errors.New("payout gateway not configured: set GATEWAY_BASE_URL")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the wired services shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *logrus.Logger
	db     *sqlx.DB

	audit      *audit.Repository
	accounts   *sqlstore.PayoutAccountRepository
	store      *settlementapp.SettlementStore
	gateway    *payoutgw.Client
	payouts    *settlementapp.PayoutOrchestrator
	reconciler *settlementapp.Reconciler

	redis *redis.Client
}

func newApp(ctx context.Context, envFile string) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger()

	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db}
	if err := a.wire(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg
	clock := settlementapp.SystemClock{}

	ledger, err := sqlstore.NewOrderLedger(a.db,
		sqlstore.WithOrdersTable(cfg.OrdersTable),
		sqlstore.WithDeliveredStatus(cfg.DeliveredStatus),
	)
	if err != nil {
		return err
	}
	aggregator, err := settlementapp.NewAggregator(ledger, cfg.CommissionRate)
	if err != nil {
		return err
	}

	repo := sqlstore.NewSettlementRepository(a.db)
	attempts := sqlstore.NewAttemptRepository(a.db)
	a.accounts = sqlstore.NewPayoutAccountRepository(a.db)
	a.audit = audit.NewRepository(a.db)

	a.store, err = settlementapp.NewSettlementStore(repo, aggregator, settlementapp.StoreConfig{
		Currency:          cfg.Currency,
		DueDateOffsetDays: cfg.DueDateOffsetDays,
	}, clock, a.audit, a.logger)
	if err != nil {
		return err
	}

	var notifier notify.Notifier
	if cfg.OpsWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.OpsWebhookURL)
	}

	var lookup settlement.PayoutLookup
	if cfg.Gateway.BaseURL != "" {
		a.gateway, err = payoutgw.NewClient(payoutgw.Config{
			BaseURL:           cfg.Gateway.BaseURL,
			ClientID:          cfg.Gateway.ClientID,
			SigningSecret:     cfg.Gateway.SigningSecret,
			Timeout:           cfg.Gateway.Timeout,
			RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
			Burst:             cfg.Gateway.Burst,
			PhoneRegion:       cfg.Gateway.PhoneRegion,
		})
		if err != nil {
			return err
		}
		lookup = a.gateway

		defaultMode, _ := settlement.ParseTransferMode(cfg.DefaultTransferMode)
		a.payouts, err = settlementapp.NewPayoutOrchestrator(settlementapp.PayoutDeps{
			Repo:     repo,
			Accounts: a.accounts,
			Attempts: attempts,
			Gateway:  a.gateway,
			Clock:    clock,
			Audit:    a.audit,
			Notifier: notifier,
			Logger:   a.logger.WithField("component", "payouts"),
		}, settlementapp.TransferModePolicy{
			Default:   defaultMode,
			Overrides: cfg.TransferModes,
		}, settlementapp.PayoutConfig{
			Currency:       cfg.Currency,
			GatewayTimeout: cfg.Gateway.Timeout,
			Narration:      cfg.PayoutNarration,
		})
		if err != nil {
			return err
		}
	}

	a.reconciler, err = settlementapp.NewReconciler(settlementapp.ReconcilerDeps{
		Repo:     repo,
		Attempts: attempts,
		Lookup:   lookup,
		Clock:    clock,
		Audit:    a.audit,
		Notifier: notifier,
		Logger:   a.logger.WithField("component", "reconciler"),
	}, settlementapp.ReconcileConfig{
		StaleAfter: 2 * cfg.Gateway.Timeout,
		Grace:      cfg.ReconcileGrace,
	})
	return err
}

func (a *app) requirePayouts() (*settlementapp.PayoutOrchestrator, error) {
	if a.payouts == nil {
		return nil, errGatewayNotConfigured
	}
	return a.payouts, nil
}

// jobLocker dials Redis when REDIS_ADDR is set. A nil locker runs every
// scheduled job locally.
func (a *app) jobLocker(ctx context.Context) (settlementapp.JobLocker, error) {
	if a.cfg.RedisAddr == "" {
		return nil, nil
	}
	locker, rdb, err := redislock.Dial(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword)
	if err != nil {
		return nil, fmt.Errorf("redis %s: %w", a.cfg.RedisAddr, err)
	}
	a.redis = rdb
	return locker, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func (a *app) week(value string) (settlement.WeekRange, error) {
	return settlement.ParseWeek(value, a.cfg.Location)
}
