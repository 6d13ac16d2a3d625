package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"settlement-engine/internal/audit"
	"settlement-engine/internal/observability/metrics"
	settlement "settlement-engine/internal/settlement/domain"
	"settlement-engine/internal/settlement/notify"
)

const (
	defaultGatewayTimeout = 15 * time.Second
	maxNarrationLength    = 30
)

// Initiate outcomes, as reported to metrics.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeRejected     = "rejected"
	OutcomeRetryable    = "retryable"
	OutcomeAmbiguous    = "ambiguous"
	OutcomeInvalidState = "invalid_state"
	OutcomeError        = "error"
)

var tracer = otel.Tracer("settlement-engine/settlement")

// TransferModePolicy picks the payment rail for a restaurant.
type TransferModePolicy struct {
	Default   settlement.TransferMode
	Overrides map[string]settlement.TransferMode
}

// Resolve returns the account's own mode, else the per-restaurant override,
// else the default. VPA destinations always use UPI.
func (p TransferModePolicy) Resolve(account settlement.PayoutAccount) settlement.TransferMode {
	if account.Method == settlement.MethodVPA {
		return settlement.TransferModeUPI
	}
	if account.TransferMode != "" {
		return account.TransferMode
	}
	if mode, ok := p.Overrides[account.RestaurantID]; ok && mode != "" {
		return mode
	}
	if p.Default != "" {
		return p.Default
	}
	return settlement.TransferModeIMPS
}

// PayoutConfig tunes the orchestrator.
type PayoutConfig struct {
	Currency       string
	GatewayTimeout time.Duration
	Narration      string
}

// PayoutOrchestrator drives settlements through the payout lifecycle.
type PayoutOrchestrator struct {
	repo     settlement.Repository
	accounts settlement.PayoutAccountRepository
	attempts settlement.AttemptRepository
	gateway  settlement.PayoutGateway
	policy   TransferModePolicy
	cfg      PayoutConfig
	clock    Clock
	audit    audit.Logger
	notifier notify.Notifier
	logger   logrus.FieldLogger
}

// PayoutDeps groups the orchestrator collaborators. Audit and Notifier are optional.
type PayoutDeps struct {
	Repo     settlement.Repository
	Accounts settlement.PayoutAccountRepository
	Attempts settlement.AttemptRepository
	Gateway  settlement.PayoutGateway
	Clock    Clock
	Audit    audit.Logger
	Notifier notify.Notifier
	Logger   logrus.FieldLogger
}

// NewPayoutOrchestrator constructs the orchestrator.
func NewPayoutOrchestrator(deps PayoutDeps, policy TransferModePolicy, cfg PayoutConfig) (*PayoutOrchestrator, error) {
	if deps.Repo == nil {
		return nil, errors.New("payout orchestrator: nil repository")
	}
	if deps.Accounts == nil {
		return nil, errors.New("payout orchestrator: nil payout account repository")
	}
	if deps.Attempts == nil {
		return nil, errors.New("payout orchestrator: nil attempt repository")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payout orchestrator: nil gateway")
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.Narration == "" {
		cfg.Narration = "Settlement"
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &PayoutOrchestrator{
		repo:     deps.Repo,
		accounts: deps.Accounts,
		attempts: deps.Attempts,
		gateway:  deps.Gateway,
		policy:   policy,
		cfg:      cfg,
		clock:    deps.Clock,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		logger:   deps.Logger,
	}, nil
}

// Initiate requests the payout of a pending settlement's net amount.
//
// A settlement that is not pending, is flagged for reconciliation, or was
// claimed by another attempt fails with ErrStateTransition before any payout
// is requested.
// On success the row moves to processing. A definite rejection fails the row.
// ErrGatewayUnavailable leaves the row pending for a later retry. Any other
// gateway failure flags the row for reconciliation and returns ErrGatewayAmbiguous.
func (o *PayoutOrchestrator) Initiate(ctx context.Context, id, actor string) (*settlement.Settlement, error) {
	ctx, span := tracer.Start(ctx, "payout.initiate", trace.WithAttributes(attribute.String("settlement.id", id)))
	defer span.End()
	started := o.clock.Now()
	outcome := OutcomeError
	defer func() {
		metrics.ObservePayoutInitiate(outcome, o.clock.Now().Sub(started))
		span.SetAttributes(attribute.String("payout.outcome", outcome))
	}()

	s, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log := o.logger.WithFields(logrus.Fields{"settlement_id": s.ID, "restaurant_id": s.RestaurantID, "iso_year_week": s.IsoYearWeek})

	if err := s.Require("initiate", settlement.StatusPending); err != nil {
		outcome = OutcomeInvalidState
		return s, err
	}
	if s.NeedsReconciliation {
		outcome = OutcomeInvalidState
		return s, fmt.Errorf("%w: settlement %s awaits reconciliation of an earlier payout attempt", settlement.ErrStateTransition, s.ID)
	}
	if err := s.CheckAmounts(); err != nil {
		log.WithError(err).Error("refusing to pay out settlement with inconsistent amounts")
		span.SetStatus(codes.Error, err.Error())
		return s, err
	}
	if !s.NetAmount.IsPositive() {
		return s, fmt.Errorf("%w: settlement %s net amount %s is not payable", settlement.ErrValidation, s.ID, s.NetAmount.StringFixed(settlement.MoneyScale))
	}
	amountMinor, err := settlement.ToMinorUnits(s.NetAmount)
	if err != nil {
		log.WithError(err).Error("net amount cannot be converted to minor units")
		return s, err
	}

	account, err := o.accounts.Get(ctx, s.RestaurantID)
	if err != nil {
		return s, err
	}
	fundingID, err := o.ensureFunding(ctx, account)
	if err != nil {
		log.WithError(err).Warn("payout destination not ready")
		span.SetStatus(codes.Error, err.Error())
		return s, err
	}
	mode := o.policy.Resolve(*account)

	attempt := &settlement.PayoutAttempt{
		SettlementID:   s.ID,
		IdempotencyKey: uuid.NewString(),
		AmountMinor:    amountMinor,
		Mode:           mode,
		CreatedAt:      o.clock.Now().UTC(),
	}
	claimed, err := o.attempts.Claim(ctx, attempt)
	if err != nil {
		if errors.Is(err, settlement.ErrStateTransition) {
			outcome = OutcomeInvalidState
		}
		return s, err
	}
	if !claimed {
		// Another initiate got here first; report the row as it is now.
		outcome = OutcomeInvalidState
		if current, err := o.repo.Get(ctx, s.ID); err == nil {
			s = current
		}
		return s, fmt.Errorf("%w: settlement %s was claimed by another payout attempt (status %s, needs_reconciliation=%t)",
			settlement.ErrStateTransition, s.ID, s.Status, s.NeedsReconciliation)
	}
	log = log.WithFields(logrus.Fields{"idempotency_key": attempt.IdempotencyKey, "amount_minor": amountMinor, "mode": mode})
	o.record(ctx, actor, "payout.initiate", s.ID, map[string]any{
		"idempotency_key": attempt.IdempotencyKey,
		"amount_minor":    amountMinor,
		"mode":            string(mode),
		"funding_id":      fundingID,
	})

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	result, gwErr := o.gateway.CreatePayout(callCtx, settlement.PayoutRequest{
		FundingID:      fundingID,
		AmountMinor:    amountMinor,
		Currency:       s.Currency,
		Mode:           mode,
		Narration:      o.narration(s),
		Reference:      attempt.IdempotencyKey,
		IdempotencyKey: attempt.IdempotencyKey,
	})
	cancel()
	if gwErr == nil && result.PayoutID == "" {
		gwErr = fmt.Errorf("%w: gateway accepted payout without an id", settlement.ErrGatewayAmbiguous)
	}
	now := o.clock.Now().UTC()

	switch {
	case gwErr == nil:
		reference := result.Reference
		if reference == "" {
			reference = attempt.IdempotencyKey
		}
		if err := o.attempts.Resolve(ctx, attempt.IdempotencyKey, settlement.AttemptSucceeded, result.PayoutID, reference, "", now); err != nil {
			log.WithError(err).Warn("record attempt outcome failed")
		}
		if err := o.repo.MarkProcessing(ctx, s.ID, result.PayoutID, reference, now); err != nil {
			// The payout exists at the gateway but the row moved underneath us.
			log.WithError(err).WithField("payout_id", result.PayoutID).Error("payout created but settlement could not move to processing")
			o.alert(ctx, s, attempt.IdempotencyKey, "payout "+result.PayoutID+" created but settlement could not move to processing: "+err.Error(),
				"inspect the settlement and the gateway payout before taking further action")
			return s, err
		}
		outcome = OutcomeSucceeded
		metrics.IncTransition(string(settlement.StatusProcessing))
		o.record(ctx, actor, "payout.processing", s.ID, map[string]any{"payout_id": result.PayoutID, "reference": reference})
		log.WithField("payout_id", result.PayoutID).Info("payout initiated")
		return o.repo.Get(ctx, s.ID)

	case errors.Is(gwErr, settlement.ErrGatewayRejected):
		outcome = OutcomeRejected
		reason := "gateway rejected payout: " + gwErr.Error()
		if err := o.attempts.Resolve(ctx, attempt.IdempotencyKey, settlement.AttemptRejected, "", "", gwErr.Error(), now); err != nil {
			log.WithError(err).Warn("record attempt outcome failed")
		}
		if err := o.repo.MarkFailed(ctx, s.ID, reason, now); err != nil {
			log.WithError(err).Error("mark failed after rejection")
			return s, errors.Join(gwErr, err)
		}
		metrics.IncTransition(string(settlement.StatusFailed))
		o.record(ctx, actor, "payout.failed", s.ID, map[string]any{"reason": reason})
		log.WithError(gwErr).Warn("payout rejected by gateway")
		span.SetStatus(codes.Error, gwErr.Error())
		updated, err := o.repo.Get(ctx, s.ID)
		if err != nil {
			return s, gwErr
		}
		return updated, gwErr

	case errors.Is(gwErr, settlement.ErrGatewayUnavailable):
		outcome = OutcomeRetryable
		if err := o.attempts.Resolve(ctx, attempt.IdempotencyKey, settlement.AttemptFailedRetryable, "", "", gwErr.Error(), now); err != nil {
			log.WithError(err).Warn("record attempt outcome failed")
		}
		log.WithError(gwErr).Warn("gateway unavailable, settlement stays pending")
		span.SetStatus(codes.Error, gwErr.Error())
		return s, gwErr

	case errors.Is(gwErr, settlement.ErrValidation):
		// Refused before anything was sent.
		if err := o.attempts.Resolve(ctx, attempt.IdempotencyKey, settlement.AttemptNotCreated, "", "", gwErr.Error(), now); err != nil {
			log.WithError(err).Warn("record attempt outcome failed")
		}
		log.WithError(gwErr).Warn("payout request invalid, settlement stays pending")
		span.SetStatus(codes.Error, gwErr.Error())
		return s, gwErr

	default:
		outcome = OutcomeAmbiguous
		if !errors.Is(gwErr, settlement.ErrGatewayAmbiguous) {
			gwErr = fmt.Errorf("%w: %w", settlement.ErrGatewayAmbiguous, gwErr)
		}
		if err := o.attempts.Resolve(ctx, attempt.IdempotencyKey, settlement.AttemptAmbiguous, "", "", gwErr.Error(), now); err != nil {
			log.WithError(err).Warn("record attempt outcome failed")
		}
		if err := o.repo.FlagReconciliation(ctx, s.ID, gwErr.Error(), now); err != nil {
			log.WithError(err).Error("flag reconciliation failed")
		}
		o.record(ctx, actor, "payout.ambiguous", s.ID, map[string]any{"idempotency_key": attempt.IdempotencyKey, "error": gwErr.Error()})
		log.WithError(gwErr).Error("payout outcome ambiguous, settlement flagged for reconciliation")
		o.alert(ctx, s, attempt.IdempotencyKey, gwErr.Error(),
			"look up the idempotency key at the gateway, then run payout resolve or payout clear")
		span.SetStatus(codes.Error, gwErr.Error())
		return s, gwErr
	}
}

// MarkCompleted confirms a processing payout has settled.
func (o *PayoutOrchestrator) MarkCompleted(ctx context.Context, id, actor string) (*settlement.Settlement, error) {
	s, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Require("mark completed", settlement.StatusProcessing); err != nil {
		return s, err
	}
	if err := o.repo.MarkCompleted(ctx, id, o.clock.Now()); err != nil {
		return s, err
	}
	metrics.IncTransition(string(settlement.StatusCompleted))
	o.record(ctx, actor, "payout.completed", id, map[string]any{"payout_id": s.PayoutID})
	o.logger.WithFields(logrus.Fields{"settlement_id": id, "payout_id": s.PayoutID}).Info("settlement completed")
	return o.repo.Get(ctx, id)
}

// MarkFailed fails a pending or processing settlement with a reason. Rows
// awaiting reconciliation or with a payout in flight are refused, since money
// may already have moved.
func (o *PayoutOrchestrator) MarkFailed(ctx context.Context, id, reason, actor string) (*settlement.Settlement, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: failure reason required", settlement.ErrValidation)
	}
	s, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Require("mark failed", settlement.StatusPending, settlement.StatusProcessing); err != nil {
		return s, err
	}
	if s.Status == settlement.StatusPending {
		if s.NeedsReconciliation {
			return s, fmt.Errorf("%w: settlement %s awaits reconciliation; resolve or clear it first", settlement.ErrStateTransition, id)
		}
		latest, err := o.attempts.Latest(ctx, id)
		if err != nil && !errors.Is(err, settlement.ErrNotFound) {
			return s, err
		}
		if latest != nil && latest.Outcome == settlement.AttemptRequested {
			return s, fmt.Errorf("%w: payout attempt %s for settlement %s is in flight", settlement.ErrStateTransition, latest.IdempotencyKey, id)
		}
	}
	if err := o.repo.MarkFailed(ctx, id, reason, o.clock.Now()); err != nil {
		return s, err
	}
	metrics.IncTransition(string(settlement.StatusFailed))
	o.record(ctx, actor, "payout.failed", id, map[string]any{"reason": reason})
	o.logger.WithFields(logrus.Fields{"settlement_id": id, "reason": reason}).Warn("settlement failed")
	return o.repo.Get(ctx, id)
}

// CompleteByPayoutID completes the settlement carrying payoutID. A repeat
// delivery for an already completed row is a no-op. When no row carries the
// payout id yet, reference is tried as the idempotency key of a flagged
// attempt so a late gateway confirmation also reconciles the row.
func (o *PayoutOrchestrator) CompleteByPayoutID(ctx context.Context, payoutID, reference, actor string) (*settlement.Settlement, error) {
	s, err := o.findForPayout(ctx, payoutID, reference, actor)
	if err != nil {
		return nil, err
	}
	if s.Status == settlement.StatusCompleted {
		return s, nil
	}
	return o.MarkCompleted(ctx, s.ID, actor)
}

// FailByPayoutID fails the settlement carrying payoutID. A repeat delivery for
// an already failed row is a no-op.
func (o *PayoutOrchestrator) FailByPayoutID(ctx context.Context, payoutID, reference, reason, actor string) (*settlement.Settlement, error) {
	s, err := o.findForPayout(ctx, payoutID, reference, actor)
	if err != nil {
		return nil, err
	}
	if s.Status == settlement.StatusFailed {
		return s, nil
	}
	if reason == "" {
		reason = "gateway reported payout failure"
	}
	return o.MarkFailed(ctx, s.ID, reason, actor)
}

func (o *PayoutOrchestrator) findForPayout(ctx context.Context, payoutID, reference, actor string) (*settlement.Settlement, error) {
	s, err := o.repo.FindByPayoutID(ctx, payoutID)
	if err == nil || !errors.Is(err, settlement.ErrNotFound) || reference == "" {
		return s, err
	}
	attempt, aerr := o.attempts.Get(ctx, reference)
	if aerr != nil {
		return nil, err
	}
	s, aerr = o.repo.Get(ctx, attempt.SettlementID)
	if aerr != nil {
		return nil, aerr
	}
	if s.Status != settlement.StatusPending || !s.NeedsReconciliation {
		return nil, err
	}
	if aerr := attempt.CheckAmount(s); aerr != nil {
		o.alert(ctx, s, attempt.IdempotencyKey, aerr.Error(),
			"compare the gateway payout with the settlement before resolving it by hand")
		return nil, aerr
	}
	now := o.clock.Now()
	if err := o.repo.MarkProcessing(ctx, s.ID, payoutID, reference, now); err != nil {
		return nil, err
	}
	if err := o.attempts.Resolve(ctx, attempt.IdempotencyKey, settlement.AttemptReconciled, payoutID, reference, "", now); err != nil {
		o.logger.WithError(err).WithField("idempotency_key", attempt.IdempotencyKey).Warn("record attempt outcome failed")
	}
	metrics.IncTransition(string(settlement.StatusProcessing))
	metrics.IncReconcile("webhook_resolved")
	o.record(ctx, actor, "payout.reconciled", s.ID, map[string]any{"payout_id": payoutID, "reference": reference})
	return o.repo.Get(ctx, s.ID)
}

// ensureFunding finds or creates the payee and funding destination. A
// concurrent creator's ids win through the guarded attach.
func (o *PayoutOrchestrator) ensureFunding(ctx context.Context, account *settlement.PayoutAccount) (string, error) {
	now := o.clock.Now()
	payeeID := account.PayeeID
	if payeeID == "" {
		created, err := o.gateway.CreatePayee(ctx, settlement.PayeeRequest{
			RestaurantID: account.RestaurantID,
			Name:         account.DisplayName,
			Email:        account.ContactEmail,
			Phone:        account.ContactPhone,
		})
		if err != nil {
			return "", fmt.Errorf("create payee for %s: %w", account.RestaurantID, err)
		}
		if payeeID, err = o.accounts.AttachPayee(ctx, account.RestaurantID, created, now); err != nil {
			return "", err
		}
		account.PayeeID = payeeID
	}
	if account.FundingID != "" {
		return account.FundingID, nil
	}
	created, err := o.gateway.CreateFundingDestination(ctx, settlement.FundingRequest{
		PayeeID:       payeeID,
		Method:        account.Method,
		AccountHolder: account.AccountHolder,
		AccountNumber: account.AccountNumber,
		IFSC:          account.IFSC,
		VPA:           account.VPA,
	})
	if err != nil {
		return "", fmt.Errorf("create funding destination for %s: %w", account.RestaurantID, err)
	}
	fundingID, err := o.accounts.AttachFunding(ctx, account.RestaurantID, created, now)
	if err != nil {
		return "", err
	}
	account.FundingID = fundingID
	return fundingID, nil
}

func (o *PayoutOrchestrator) narration(s *settlement.Settlement) string {
	text := fmt.Sprintf("%s %d-W%02d", o.cfg.Narration, s.IsoYearWeek/100, s.IsoYearWeek%100)
	if len(text) > maxNarrationLength {
		text = text[:maxNarrationLength]
	}
	return text
}

func (o *PayoutOrchestrator) record(ctx context.Context, actor, action, id string, metadata map[string]any) {
	if o.audit == nil {
		return
	}
	entry := audit.NewEntry(actor, action, audit.ResourceSettlement, id, metadata)
	entry.CreatedAt = o.clock.Now().UTC()
	if err := o.audit.Log(ctx, entry); err != nil {
		o.logger.WithError(err).WithField("action", action).Warn("audit log failed")
	}
}

func (o *PayoutOrchestrator) alert(ctx context.Context, s *settlement.Settlement, key, reason, action string) {
	alertOps(ctx, o.notifier, o.logger, s, key, reason, action)
}

func alertOps(ctx context.Context, n notify.Notifier, logger logrus.FieldLogger, s *settlement.Settlement, key, reason, action string) {
	if n == nil || s == nil {
		return
	}
	err := n.Notify(ctx, notify.AlertMessage{
		SettlementID:      s.ID,
		RestaurantID:      s.RestaurantID,
		Week:              fmt.Sprintf("%d-W%02d", s.IsoYearWeek/100, s.IsoYearWeek%100),
		NetAmount:         s.NetAmount.StringFixed(settlement.MoneyScale),
		Currency:          s.Currency,
		IdempotencyKey:    key,
		Reason:            reason,
		RecommendedAction: action,
	})
	if err != nil {
		logger.WithError(err).WithField("settlement_id", s.ID).Warn("ops notification failed")
	}
}
