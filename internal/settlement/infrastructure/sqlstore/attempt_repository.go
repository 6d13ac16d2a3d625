package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	settlement "settlement-engine/internal/settlement/domain"
)

const attemptColumns = `id, settlement_id, idempotency_key, amount_minor, mode, outcome,
	payout_id, reference, error, created_at, resolved_at`

// AttemptRepository stores payout attempts. A claimed settlement accepts no
// further attempt and keeps its amounts until the attempt proves no money moved.
type AttemptRepository struct {
	db *sqlx.DB
}

// NewAttemptRepository constructs a repository.
func NewAttemptRepository(db *sqlx.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

type attemptRow struct {
	ID             string         `db:"id"`
	SettlementID   string         `db:"settlement_id"`
	IdempotencyKey string         `db:"idempotency_key"`
	AmountMinor    int64          `db:"amount_minor"`
	Mode           string         `db:"mode"`
	Outcome        string         `db:"outcome"`
	PayoutID       sql.NullString `db:"payout_id"`
	Reference      sql.NullString `db:"reference"`
	Error          sql.NullString `db:"error"`
	CreatedAt      time.Time      `db:"created_at"`
	ResolvedAt     sql.NullTime   `db:"resolved_at"`
}

func (row attemptRow) toDomain() settlement.PayoutAttempt {
	a := settlement.PayoutAttempt{
		ID:             row.ID,
		SettlementID:   row.SettlementID,
		IdempotencyKey: row.IdempotencyKey,
		AmountMinor:    row.AmountMinor,
		Mode:           settlement.TransferMode(row.Mode),
		Outcome:        settlement.AttemptOutcome(row.Outcome),
		PayoutID:       row.PayoutID.String,
		Reference:      row.Reference.String,
		Error:          row.Error.String,
		CreatedAt:      row.CreatedAt.UTC(),
	}
	if row.ResolvedAt.Valid {
		a.ResolvedAt = row.ResolvedAt.Time.UTC()
	}
	return a
}

// Claim reserves the settlement and inserts a requested attempt in one
// transaction. It returns false when the settlement is no longer pending, is
// flagged for reconciliation, or is already claimed by another attempt. Stored
// amounts that no longer match attempt.AmountMinor fail with ErrStateTransition.
func (r *AttemptRepository) Claim(ctx context.Context, attempt *settlement.PayoutAttempt) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("attempt repo: nil db")
	}
	if attempt == nil || attempt.SettlementID == "" || attempt.IdempotencyKey == "" {
		return false, fmt.Errorf("%w: attempt needs settlement id and idempotency key", settlement.ErrValidation)
	}
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	attempt.Outcome = settlement.AttemptRequested

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE settlements
SET payout_claimed = ?, updated_at = ?
WHERE id = ? AND status = 'pending' AND needs_reconciliation = ? AND payout_claimed = ?`),
		true, attempt.CreatedAt.UTC(), attempt.SettlementID, false, false)
	if err != nil {
		return false, fmt.Errorf("claim settlement %s: %w", attempt.SettlementID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	var net decimal.Decimal
	if err := tx.GetContext(ctx, &net, tx.Rebind(`SELECT net_amount FROM settlements WHERE id = ?`), attempt.SettlementID); err != nil {
		return false, fmt.Errorf("load settlement %s: %w", attempt.SettlementID, err)
	}
	minor, err := settlement.ToMinorUnits(net)
	if err != nil {
		return false, err
	}
	if minor != attempt.AmountMinor {
		return false, fmt.Errorf("%w: settlement %s now nets %d minor units, attempt carries %d",
			settlement.ErrStateTransition, attempt.SettlementID, minor, attempt.AmountMinor)
	}

	res, err = tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO payout_attempts (id, settlement_id, idempotency_key, amount_minor, mode, outcome, created_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT DO NOTHING`),
		attempt.ID, attempt.SettlementID, attempt.IdempotencyKey, attempt.AmountMinor, string(attempt.Mode),
		string(attempt.Outcome), attempt.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("claim attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Resolve records the outcome of an attempt. Only requested or ambiguous
// attempts can be resolved. Outcomes proving no money moved release the
// settlement's claim.
func (r *AttemptRepository) Resolve(ctx context.Context, idempotencyKey string, outcome settlement.AttemptOutcome, payoutID, reference, errMsg string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("attempt repo: nil db")
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE payout_attempts
SET outcome = ?, payout_id = ?, reference = ?, error = ?, resolved_at = ?
WHERE idempotency_key = ? AND outcome IN ('requested', 'ambiguous')`),
		string(outcome), nullString(payoutID), nullString(reference), nullString(errMsg), at.UTC(), idempotencyKey)
	if err != nil {
		return fmt.Errorf("resolve attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: attempt %s is not open", settlement.ErrStateTransition, idempotencyKey)
	}
	if outcome.ReleasesClaim() {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE settlements
SET payout_claimed = ?, updated_at = ?
WHERE id = (SELECT settlement_id FROM payout_attempts WHERE idempotency_key = ?) AND status = 'pending'`),
			false, at.UTC(), idempotencyKey); err != nil {
			return fmt.Errorf("release settlement claim: %w", err)
		}
	}
	return tx.Commit()
}

// Get fetches an attempt by its idempotency key.
func (r *AttemptRepository) Get(ctx context.Context, idempotencyKey string) (*settlement.PayoutAttempt, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("attempt repo: nil db")
	}
	var row attemptRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+attemptColumns+` FROM payout_attempts WHERE idempotency_key = ?`), idempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: attempt %s", settlement.ErrNotFound, idempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	a := row.toDomain()
	return &a, nil
}

// Latest returns the most recent attempt for a settlement.
func (r *AttemptRepository) Latest(ctx context.Context, settlementID string) (*settlement.PayoutAttempt, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("attempt repo: nil db")
	}
	var row attemptRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
SELECT `+attemptColumns+`
FROM payout_attempts
WHERE settlement_id = ?
ORDER BY created_at DESC, id DESC
LIMIT 1`), settlementID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no attempt for settlement %s", settlement.ErrNotFound, settlementID)
	}
	if err != nil {
		return nil, err
	}
	a := row.toDomain()
	return &a, nil
}

// ListStale lists attempts still requested that were created before the cutoff.
func (r *AttemptRepository) ListStale(ctx context.Context, before time.Time) ([]settlement.PayoutAttempt, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("attempt repo: nil db")
	}
	var rows []attemptRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
SELECT `+attemptColumns+`
FROM payout_attempts
WHERE outcome = 'requested' AND created_at < ?
ORDER BY created_at ASC`), before.UTC())
	if err != nil {
		return nil, err
	}
	attempts := make([]settlement.PayoutAttempt, 0, len(rows))
	for _, row := range rows {
		attempts = append(attempts, row.toDomain())
	}
	return attempts, nil
}
