// Package sqlstore implements the settlement ports over database/sql via sqlx.
// Queries are written with ? placeholders and rebound per driver.
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

const settlementColumns = `id, restaurant_id, iso_year_week, week_start, week_end, order_count,
	gross_amount, commission_rate, commission_amount, net_amount, currency, status, due_date,
	payout_id, payout_reference, failure_reason, needs_reconciliation, reconciliation_note,
	processing_at, completed_at, failed_at, created_at, updated_at`

// The DO UPDATE only fires while the row is pending with no claimed payout
// attempt and no open reconciliation. Every other row keeps the amounts a
// payout may already have been requested for.
const upsertSettlementSQL = `
INSERT INTO settlements (
	id, restaurant_id, iso_year_week, week_start, week_end, order_count,
	gross_amount, commission_rate, commission_amount, net_amount, currency, status, due_date,
	needs_reconciliation, created_at, updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (restaurant_id, iso_year_week) DO UPDATE SET
	week_start = excluded.week_start,
	week_end = excluded.week_end,
	order_count = excluded.order_count,
	gross_amount = excluded.gross_amount,
	commission_rate = excluded.commission_rate,
	commission_amount = excluded.commission_amount,
	net_amount = excluded.net_amount,
	currency = excluded.currency,
	due_date = excluded.due_date,
	updated_at = excluded.updated_at
WHERE settlements.status = 'pending'
	AND settlements.needs_reconciliation = ?
	AND settlements.payout_claimed = ?`

const insertLinkSQL = `
INSERT INTO settlement_order_links (settlement_id, order_id, linked_at)
VALUES (?,?,?)
ON CONFLICT (settlement_id, order_id) DO NOTHING`

// SettlementRepository persists weekly settlements in Postgres or SQLite.
type SettlementRepository struct {
	db *sqlx.DB
}

// NewSettlementRepository constructs a repository.
func NewSettlementRepository(db *sqlx.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

type settlementRow struct {
	ID                  string          `db:"id"`
	RestaurantID        string          `db:"restaurant_id"`
	IsoYearWeek         int             `db:"iso_year_week"`
	WeekStart           time.Time       `db:"week_start"`
	WeekEnd             time.Time       `db:"week_end"`
	OrderCount          int             `db:"order_count"`
	GrossAmount         decimal.Decimal `db:"gross_amount"`
	CommissionRate      decimal.Decimal `db:"commission_rate"`
	CommissionAmount    decimal.Decimal `db:"commission_amount"`
	NetAmount           decimal.Decimal `db:"net_amount"`
	Currency            string          `db:"currency"`
	Status              string          `db:"status"`
	DueDate             time.Time       `db:"due_date"`
	PayoutID            sql.NullString  `db:"payout_id"`
	PayoutReference     sql.NullString  `db:"payout_reference"`
	FailureReason       sql.NullString  `db:"failure_reason"`
	NeedsReconciliation bool            `db:"needs_reconciliation"`
	ReconciliationNote  sql.NullString  `db:"reconciliation_note"`
	ProcessingAt        sql.NullTime    `db:"processing_at"`
	CompletedAt         sql.NullTime    `db:"completed_at"`
	FailedAt            sql.NullTime    `db:"failed_at"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

func (row settlementRow) toDomain() settlement.Settlement {
	s := settlement.Settlement{
		ID:                  row.ID,
		RestaurantID:        row.RestaurantID,
		IsoYearWeek:         row.IsoYearWeek,
		WeekStart:           row.WeekStart.UTC(),
		WeekEnd:             row.WeekEnd.UTC(),
		OrderCount:          row.OrderCount,
		GrossAmount:         row.GrossAmount,
		CommissionRate:      row.CommissionRate,
		CommissionAmount:    row.CommissionAmount,
		NetAmount:           row.NetAmount,
		Currency:            row.Currency,
		Status:              settlement.Status(row.Status),
		DueDate:             civilDate(row.DueDate),
		PayoutID:            row.PayoutID.String,
		PayoutReference:     row.PayoutReference.String,
		FailureReason:       row.FailureReason.String,
		NeedsReconciliation: row.NeedsReconciliation,
		ReconciliationNote:  row.ReconciliationNote.String,
		CreatedAt:           row.CreatedAt.UTC(),
		UpdatedAt:           row.UpdatedAt.UTC(),
	}
	if row.ProcessingAt.Valid {
		s.ProcessingAt = row.ProcessingAt.Time.UTC()
	}
	if row.CompletedAt.Valid {
		s.CompletedAt = row.CompletedAt.Time.UTC()
	}
	if row.FailedAt.Valid {
		s.FailedAt = row.FailedAt.Time.UTC()
	}
	return s
}

// ApplyWeek upserts one settlement per aggregate and links its orders, all in
// one transaction. Any failure rolls back the whole week.
func (r *SettlementRepository) ApplyWeek(ctx context.Context, week settlement.WeekRange, aggregates []settlement.WeekAggregate, meta settlement.WeekMeta) (settlement.WeekResult, error) {
	result := settlement.WeekResult{Week: week}
	if r == nil || r.db == nil {
		return result, errors.New("settlement repo: nil db")
	}
	now := meta.Now.UTC().Truncate(time.Microsecond)
	if meta.Now.IsZero() {
		now = time.Now().UTC().Truncate(time.Microsecond)
	}
	due := civilDate(week.DueDate(meta.DueDateOffsetDays))
	weekStart := week.Start.UTC()
	weekEnd := week.End.UTC().Truncate(time.Microsecond)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer func() { _ = tx.Rollback() }()

	upsert := tx.Rebind(upsertSettlementSQL)
	link := tx.Rebind(insertLinkSQL)
	head := tx.Rebind(`SELECT id, status, needs_reconciliation, payout_claimed, created_at FROM settlements WHERE restaurant_id = ? AND iso_year_week = ?`)

	for _, agg := range aggregates {
		if _, err := tx.ExecContext(ctx, upsert,
			uuid.NewString(), agg.RestaurantID, week.IsoYearWeek, weekStart, weekEnd, agg.OrderCount,
			agg.GrossAmount, agg.CommissionRate, agg.CommissionAmount, agg.NetAmount, meta.Currency,
			string(settlement.StatusPending), due, false, now, now,
			false, false,
		); err != nil {
			return result, fmt.Errorf("upsert settlement %s/%d: %w", agg.RestaurantID, week.IsoYearWeek, err)
		}

		var stored struct {
			ID                  string    `db:"id"`
			Status              string    `db:"status"`
			NeedsReconciliation bool      `db:"needs_reconciliation"`
			PayoutClaimed       bool      `db:"payout_claimed"`
			CreatedAt           time.Time `db:"created_at"`
		}
		if err := tx.GetContext(ctx, &stored, head, agg.RestaurantID, week.IsoYearWeek); err != nil {
			return result, fmt.Errorf("load settlement %s/%d: %w", agg.RestaurantID, week.IsoYearWeek, err)
		}
		result.Settlements = append(result.Settlements, stored.ID)

		if settlement.Status(stored.Status) != settlement.StatusPending || stored.NeedsReconciliation || stored.PayoutClaimed {
			result.Frozen = append(result.Frozen, stored.ID)
			continue
		}
		if stored.CreatedAt.Equal(now) {
			result.Created++
		} else {
			result.Updated++
		}

		for _, orderID := range agg.OrderIDs {
			res, err := tx.ExecContext(ctx, link, stored.ID, orderID, now)
			if err != nil {
				return result, fmt.Errorf("link order %s: %w", orderID, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				result.LinksCreated += int(n)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return result, err
	}
	return result, nil
}

// Get fetches a settlement by id.
func (r *SettlementRepository) Get(ctx context.Context, id string) (*settlement.Settlement, error) {
	return r.getBy(ctx, "id", id)
}

// FindByPayoutID fetches the settlement carrying the gateway payout id.
func (r *SettlementRepository) FindByPayoutID(ctx context.Context, payoutID string) (*settlement.Settlement, error) {
	if payoutID == "" {
		return nil, fmt.Errorf("%w: empty payout id", settlement.ErrValidation)
	}
	return r.getBy(ctx, "payout_id", payoutID)
}

func (r *SettlementRepository) getBy(ctx context.Context, column, value string) (*settlement.Settlement, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settlement repo: nil db")
	}
	var row settlementRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+settlementColumns+` FROM settlements WHERE `+column+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: settlement %s=%s", settlement.ErrNotFound, column, value)
	}
	if err != nil {
		return nil, err
	}
	s := row.toDomain()
	return &s, nil
}

// ListByWeek lists the week's settlements ordered by restaurant.
func (r *SettlementRepository) ListByWeek(ctx context.Context, isoYearWeek int) ([]settlement.Settlement, error) {
	return r.list(ctx, `WHERE iso_year_week = ? ORDER BY restaurant_id ASC`, isoYearWeek)
}

// ListNeedingReconciliation lists pending rows flagged after an ambiguous gateway outcome.
func (r *SettlementRepository) ListNeedingReconciliation(ctx context.Context) ([]settlement.Settlement, error) {
	return r.list(ctx, `WHERE needs_reconciliation = ? AND status = 'pending' ORDER BY updated_at ASC`, true)
}

func (r *SettlementRepository) list(ctx context.Context, where string, args ...any) ([]settlement.Settlement, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settlement repo: nil db")
	}
	var rows []settlementRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT `+settlementColumns+` FROM settlements `+where), args...); err != nil {
		return nil, err
	}
	result := make([]settlement.Settlement, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

// ListLinks returns the orders counted into a settlement.
func (r *SettlementRepository) ListLinks(ctx context.Context, settlementID string) ([]settlement.OrderLink, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("settlement repo: nil db")
	}
	var rows []struct {
		SettlementID string    `db:"settlement_id"`
		OrderID      string    `db:"order_id"`
		LinkedAt     time.Time `db:"linked_at"`
	}
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
SELECT settlement_id, order_id, linked_at
FROM settlement_order_links
WHERE settlement_id = ?
ORDER BY order_id ASC`), settlementID)
	if err != nil {
		return nil, err
	}
	links := make([]settlement.OrderLink, 0, len(rows))
	for _, row := range rows {
		links = append(links, settlement.OrderLink{SettlementID: row.SettlementID, OrderID: row.OrderID, LinkedAt: row.LinkedAt.UTC()})
	}
	return links, nil
}

// MarkProcessing records the gateway payout on a pending row.
func (r *SettlementRepository) MarkProcessing(ctx context.Context, id, payoutID, reference string, at time.Time) error {
	at = at.UTC()
	return r.guarded(ctx, "mark processing", id, `
UPDATE settlements
SET status = 'processing', payout_id = ?, payout_reference = ?, needs_reconciliation = ?,
	reconciliation_note = NULL, processing_at = ?, updated_at = ?
WHERE id = ? AND status = 'pending'`, payoutID, reference, false, at, at, id)
}

// MarkCompleted closes a processing row.
func (r *SettlementRepository) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	return r.guarded(ctx, "mark completed", id, `
UPDATE settlements
SET status = 'completed', completed_at = ?, updated_at = ?
WHERE id = ? AND status = 'processing'`, at, at, id)
}

// MarkFailed fails a pending or processing row.
func (r *SettlementRepository) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	at = at.UTC()
	return r.guarded(ctx, "mark failed", id, `
UPDATE settlements
SET status = 'failed', failure_reason = ?, needs_reconciliation = ?, failed_at = ?, updated_at = ?
WHERE id = ? AND status IN ('pending', 'processing')`, reason, false, at, at, id)
}

// FlagReconciliation blocks further initiates on a pending row until an operator resolves it.
func (r *SettlementRepository) FlagReconciliation(ctx context.Context, id, reason string, at time.Time) error {
	at = at.UTC()
	return r.guarded(ctx, "flag reconciliation", id, `
UPDATE settlements
SET needs_reconciliation = ?, reconciliation_note = ?, updated_at = ?
WHERE id = ? AND status = 'pending'`, true, reason, at, id)
}

// ClearReconciliation unflags a pending row and releases its payout claim so
// initiate may run again.
func (r *SettlementRepository) ClearReconciliation(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	return r.guarded(ctx, "clear reconciliation", id, `
UPDATE settlements
SET needs_reconciliation = ?, payout_claimed = ?, reconciliation_note = NULL, updated_at = ?
WHERE id = ? AND status = 'pending' AND needs_reconciliation = ?`, false, false, at, id, true)
}

// guarded runs a conditional update and maps zero affected rows to
// ErrNotFound or ErrStateTransition.
func (r *SettlementRepository) guarded(ctx context.Context, op, id, query string, args ...any) error {
	if r == nil || r.db == nil {
		return errors.New("settlement repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n == 1 {
		return nil
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s not allowed for settlement %s in status %s (needs_reconciliation=%t)",
		settlement.ErrStateTransition, op, id, current.Status, current.NeedsReconciliation)
}

func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
