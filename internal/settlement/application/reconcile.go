package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-engine/internal/audit"
	"settlement-engine/internal/observability/metrics"
	settlement "settlement-engine/internal/settlement/domain"
	"settlement-engine/internal/settlement/notify"
)

const (
	defaultStaleAfter     = 2 * defaultGatewayTimeout
	defaultReconcileGrace = 24 * time.Hour
)

// ReconcileConfig tunes the sweep.
type ReconcileConfig struct {
	// StaleAfter is how long an attempt may stay requested before it is
	// treated as ambiguous.
	StaleAfter time.Duration
	// Grace is how long a flagged payout may stay unknown to the gateway
	// before the flag is cleared and a retry allowed.
	Grace time.Duration
}

// ReconcilerDeps groups reconciler collaborators. Lookup, Audit and Notifier are optional.
type ReconcilerDeps struct {
	Repo     settlement.Repository
	Attempts settlement.AttemptRepository
	Lookup   settlement.PayoutLookup
	Clock    Clock
	Audit    audit.Logger
	Notifier notify.Notifier
	Logger   logrus.FieldLogger
}

// Reconciler settles payouts whose outcome was not known when they were requested.
type Reconciler struct {
	repo     settlement.Repository
	attempts settlement.AttemptRepository
	lookup   settlement.PayoutLookup
	cfg      ReconcileConfig
	clock    Clock
	audit    audit.Logger
	notifier notify.Notifier
	logger   logrus.FieldLogger
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Expired   int
	Resolved  int
	Completed int
	Failed    int
	Cleared   int
	Waiting   int
	Errors    int
}

// NewReconciler constructs a reconciler.
func NewReconciler(deps ReconcilerDeps, cfg ReconcileConfig) (*Reconciler, error) {
	if deps.Repo == nil {
		return nil, errors.New("reconciler: nil repository")
	}
	if deps.Attempts == nil {
		return nil, errors.New("reconciler: nil attempt repository")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultReconcileGrace
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Reconciler{
		repo:     deps.Repo,
		attempts: deps.Attempts,
		lookup:   deps.Lookup,
		cfg:      cfg,
		clock:    deps.Clock,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		logger:   deps.Logger,
	}, nil
}

// ResolvePayout records that the gateway holds payoutID for a flagged
// settlement and moves it to processing.
func (r *Reconciler) ResolvePayout(ctx context.Context, id, payoutID, reference, actor string) (*settlement.Settlement, error) {
	if payoutID == "" {
		return nil, fmt.Errorf("%w: payout id required", settlement.ErrValidation)
	}
	s, err := r.flagged(ctx, id, "resolve payout")
	if err != nil {
		return s, err
	}
	attempt, err := r.attempts.Latest(ctx, id)
	switch {
	case err == nil:
		if err := attempt.CheckAmount(s); err != nil {
			return s, err
		}
	case !errors.Is(err, settlement.ErrNotFound):
		return s, err
	}
	now := r.clock.Now()
	if err := r.repo.MarkProcessing(ctx, id, payoutID, reference, now); err != nil {
		return s, err
	}
	r.closeAttempt(ctx, id, settlement.AttemptReconciled, payoutID, reference, "", now)
	metrics.IncTransition(string(settlement.StatusProcessing))
	metrics.IncReconcile("resolved")
	r.record(ctx, actor, "reconcile.resolve", id, map[string]any{"payout_id": payoutID, "reference": reference})
	r.logger.WithFields(logrus.Fields{"settlement_id": id, "payout_id": payoutID}).Info("reconciled payout, settlement processing")
	return r.repo.Get(ctx, id)
}

// ClearReconciliation records that no payout exists for a flagged settlement.
// The row stays pending and may be initiated again.
func (r *Reconciler) ClearReconciliation(ctx context.Context, id, actor string) (*settlement.Settlement, error) {
	s, err := r.flagged(ctx, id, "clear reconciliation")
	if err != nil {
		return s, err
	}
	if err := r.clear(ctx, s, "operator confirmed no payout exists"); err != nil {
		return s, err
	}
	r.record(ctx, actor, "reconcile.clear", id, map[string]any{"note": s.ReconciliationNote})
	return r.repo.Get(ctx, id)
}

// Sweep expires stale in-flight attempts, then asks the gateway about every
// flagged settlement when it supports lookups.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := r.clock.Now()

	stale, err := r.attempts.ListStale(ctx, now.Add(-r.cfg.StaleAfter))
	if err != nil {
		return result, fmt.Errorf("list stale attempts: %w", err)
	}
	for _, attempt := range stale {
		if err := r.expire(ctx, attempt, now); err != nil {
			result.Errors++
			r.logger.WithError(err).WithField("idempotency_key", attempt.IdempotencyKey).Warn("expire stale attempt failed")
			continue
		}
		result.Expired++
	}

	flagged, err := r.repo.ListNeedingReconciliation(ctx)
	if err != nil {
		return result, fmt.Errorf("list flagged settlements: %w", err)
	}
	for i := range flagged {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		r.check(ctx, &flagged[i], now, &result)
	}

	r.logger.WithFields(logrus.Fields{
		"expired":   result.Expired,
		"resolved":  result.Resolved,
		"completed": result.Completed,
		"failed":    result.Failed,
		"cleared":   result.Cleared,
		"waiting":   result.Waiting,
		"errors":    result.Errors,
	}).Info("reconciliation sweep finished")
	return result, nil
}

func (r *Reconciler) expire(ctx context.Context, attempt settlement.PayoutAttempt, now time.Time) error {
	reason := fmt.Sprintf("attempt %s still requested after %s", attempt.IdempotencyKey, r.cfg.StaleAfter)
	if err := r.attempts.Resolve(ctx, attempt.IdempotencyKey, settlement.AttemptAmbiguous, "", "", reason, now); err != nil {
		if errors.Is(err, settlement.ErrStateTransition) {
			return nil
		}
		return err
	}
	metrics.IncReconcile("expired")
	s, err := r.repo.Get(ctx, attempt.SettlementID)
	if err != nil {
		return err
	}
	if s.Status != settlement.StatusPending {
		return nil
	}
	if err := r.repo.FlagReconciliation(ctx, s.ID, reason, now); err != nil && !errors.Is(err, settlement.ErrStateTransition) {
		return err
	}
	r.logger.WithFields(logrus.Fields{"settlement_id": s.ID, "idempotency_key": attempt.IdempotencyKey}).Warn("stale payout attempt, settlement flagged")
	alertOps(ctx, r.notifier, r.logger, s, attempt.IdempotencyKey, reason,
		"look up the idempotency key at the gateway, then run payout resolve or payout clear")
	return nil
}

func (r *Reconciler) check(ctx context.Context, s *settlement.Settlement, now time.Time, result *SweepResult) {
	log := r.logger.WithField("settlement_id", s.ID)
	attempt, err := r.attempts.Latest(ctx, s.ID)
	if err != nil {
		if !errors.Is(err, settlement.ErrNotFound) {
			result.Errors++
			log.WithError(err).Warn("load latest attempt failed")
			return
		}
		result.Waiting++
		return
	}
	if r.lookup == nil {
		result.Waiting++
		return
	}

	found, err := r.lookup.FindPayoutByReference(ctx, attempt.IdempotencyKey)
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		if now.Sub(attempt.CreatedAt) < r.cfg.Grace {
			result.Waiting++
			return
		}
		if err := r.clear(ctx, s, "gateway has no payout for "+attempt.IdempotencyKey); err != nil {
			result.Errors++
			log.WithError(err).Warn("clear reconciliation failed")
			return
		}
		r.record(ctx, "system", "reconcile.clear", s.ID, map[string]any{"idempotency_key": attempt.IdempotencyKey})
		result.Cleared++
		return
	case err != nil:
		result.Errors++
		log.WithError(err).Warn("gateway lookup failed")
		return
	}

	if err := attempt.CheckAmount(s); err != nil {
		result.Errors++
		log.WithError(err).Error("gateway payout does not match stored settlement amount")
		alertOps(ctx, r.notifier, r.logger, s, attempt.IdempotencyKey, err.Error(),
			"compare the gateway payout with the settlement before resolving it by hand")
		return
	}
	reference := found.Reference
	if reference == "" {
		reference = attempt.IdempotencyKey
	}
	if err := r.repo.MarkProcessing(ctx, s.ID, found.PayoutID, reference, now); err != nil {
		result.Errors++
		log.WithError(err).Warn("resolve flagged settlement failed")
		return
	}
	r.closeAttempt(ctx, s.ID, settlement.AttemptReconciled, found.PayoutID, reference, "", now)
	metrics.IncTransition(string(settlement.StatusProcessing))
	metrics.IncReconcile("resolved")
	r.record(ctx, "system", "reconcile.resolve", s.ID, map[string]any{"payout_id": found.PayoutID, "gateway_status": found.Status})
	result.Resolved++
	log = log.WithFields(logrus.Fields{"payout_id": found.PayoutID, "gateway_status": found.Status})

	switch {
	case found.Status == settlement.PayoutStatusProcessed:
		if err := r.repo.MarkCompleted(ctx, s.ID, now); err != nil {
			result.Errors++
			log.WithError(err).Warn("complete reconciled settlement failed")
			return
		}
		metrics.IncTransition(string(settlement.StatusCompleted))
		r.record(ctx, "system", "payout.completed", s.ID, map[string]any{"payout_id": found.PayoutID})
		result.Completed++
	case settlement.PayoutStatusUnpaid(found.Status):
		reason := "gateway reported payout " + found.Status
		if err := r.repo.MarkFailed(ctx, s.ID, reason, now); err != nil {
			result.Errors++
			log.WithError(err).Warn("fail reconciled settlement failed")
			return
		}
		metrics.IncTransition(string(settlement.StatusFailed))
		r.record(ctx, "system", "payout.failed", s.ID, map[string]any{"reason": reason})
		result.Failed++
	}
	log.Info("flagged settlement reconciled from gateway")
}

func (r *Reconciler) flagged(ctx context.Context, id, op string) (*settlement.Settlement, error) {
	s, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Require(op, settlement.StatusPending); err != nil {
		return s, err
	}
	if !s.NeedsReconciliation {
		return s, fmt.Errorf("%w: settlement %s is not flagged for reconciliation", settlement.ErrStateTransition, id)
	}
	return s, nil
}

func (r *Reconciler) clear(ctx context.Context, s *settlement.Settlement, note string) error {
	now := r.clock.Now()
	if err := r.repo.ClearReconciliation(ctx, s.ID, now); err != nil {
		return err
	}
	r.closeAttempt(ctx, s.ID, settlement.AttemptNotCreated, "", "", note, now)
	metrics.IncReconcile("cleared")
	r.logger.WithFields(logrus.Fields{"settlement_id": s.ID, "note": note}).Info("reconciliation cleared, settlement may be initiated again")
	return nil
}

// closeAttempt resolves the latest attempt when it is still open.
func (r *Reconciler) closeAttempt(ctx context.Context, id string, outcome settlement.AttemptOutcome, payoutID, reference, note string, at time.Time) {
	attempt, err := r.attempts.Latest(ctx, id)
	if err != nil {
		return
	}
	if attempt.Outcome != settlement.AttemptAmbiguous && attempt.Outcome != settlement.AttemptRequested {
		return
	}
	if err := r.attempts.Resolve(ctx, attempt.IdempotencyKey, outcome, payoutID, reference, note, at); err != nil {
		r.logger.WithError(err).WithField("idempotency_key", attempt.IdempotencyKey).Warn("record attempt outcome failed")
	}
}

func (r *Reconciler) record(ctx context.Context, actor, action, id string, metadata map[string]any) {
	if r.audit == nil {
		return
	}
	entry := audit.NewEntry(actor, action, audit.ResourceSettlement, id, metadata)
	entry.CreatedAt = r.clock.Now().UTC()
	if err := r.audit.Log(ctx, entry); err != nil {
		r.logger.WithError(err).WithField("action", action).Warn("audit log failed")
	}
}
