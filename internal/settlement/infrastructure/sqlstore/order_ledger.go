package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	settlement "settlement-engine/internal/settlement/domain"
)

const (
	defaultOrdersTable     = "orders"
	defaultDeliveredStatus = "delivered"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// OrderLedger reads delivered orders from the ordering service's table.
type OrderLedger struct {
	db        *sqlx.DB
	table     string
	delivered string
}

// LedgerOption customizes the ledger adapter.
type LedgerOption func(*OrderLedger)

// WithOrdersTable overrides the orders table name.
func WithOrdersTable(name string) LedgerOption {
	return func(l *OrderLedger) {
		if name != "" {
			l.table = name
		}
	}
}

// WithDeliveredStatus overrides the status value that marks an order delivered.
func WithDeliveredStatus(status string) LedgerOption {
	return func(l *OrderLedger) {
		if status != "" {
			l.delivered = status
		}
	}
}

// NewOrderLedger constructs the adapter. The table name must be a plain
// (optionally schema-qualified) identifier.
func NewOrderLedger(db *sqlx.DB, opts ...LedgerOption) (*OrderLedger, error) {
	if db == nil {
		return nil, errors.New("order ledger: nil db")
	}
	l := &OrderLedger{db: db, table: defaultOrdersTable, delivered: defaultDeliveredStatus}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if !identifierPattern.MatchString(l.table) {
		return nil, fmt.Errorf("order ledger: invalid table name %q", l.table)
	}
	return l, nil
}

type orderRow struct {
	ID           string          `db:"id"`
	RestaurantID string          `db:"restaurant_id"`
	TotalAmount  decimal.Decimal `db:"total_amount"`
	CreatedAt    time.Time       `db:"created_at"`
}

// ListDeliveredOrders returns delivered orders created in [from, to].
func (l *OrderLedger) ListDeliveredOrders(ctx context.Context, from, to time.Time) ([]settlement.DeliveredOrder, error) {
	return l.query(ctx, `
SELECT id, restaurant_id, total_amount, created_at
FROM `+l.table+`
WHERE status = ? AND created_at >= ? AND created_at <= ?
ORDER BY restaurant_id ASC, id ASC`, l.delivered, from.UTC(), to.UTC())
}

// ListRestaurantOrders returns one restaurant's delivered orders created in [from, to].
func (l *OrderLedger) ListRestaurantOrders(ctx context.Context, restaurantID string, from, to time.Time) ([]settlement.DeliveredOrder, error) {
	return l.query(ctx, `
SELECT id, restaurant_id, total_amount, created_at
FROM `+l.table+`
WHERE restaurant_id = ? AND status = ? AND created_at >= ? AND created_at <= ?
ORDER BY id ASC`, restaurantID, l.delivered, from.UTC(), to.UTC())
}

func (l *OrderLedger) query(ctx context.Context, query string, args ...any) ([]settlement.DeliveredOrder, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("order ledger: nil db")
	}
	var rows []orderRow
	if err := l.db.SelectContext(ctx, &rows, l.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	orders := make([]settlement.DeliveredOrder, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, settlement.DeliveredOrder{
			ID:           row.ID,
			RestaurantID: row.RestaurantID,
			GrossAmount:  row.TotalAmount,
			CreatedAt:    row.CreatedAt.UTC(),
		})
	}
	return orders, nil
}
