package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the payout lifecycle state of a settlement.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s → next is a forward lifecycle step.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Settlement is the weekly ledger row for one restaurant.
// Identity: restaurant id + ISO year-week.
type Settlement struct {
	ID                  string
	RestaurantID        string
	IsoYearWeek         int
	WeekStart           time.Time
	WeekEnd             time.Time
	OrderCount          int
	GrossAmount         decimal.Decimal
	CommissionRate      decimal.Decimal
	CommissionAmount    decimal.Decimal
	NetAmount           decimal.Decimal
	Currency            string
	Status              Status
	DueDate             time.Time
	PayoutID            string
	PayoutReference     string
	FailureReason       string
	NeedsReconciliation bool
	ReconciliationNote  string
	ProcessingAt        time.Time
	CompletedAt         time.Time
	FailedAt            time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CheckAmounts verifies the stored split still reconciles to the cent.
func (s *Settlement) CheckAmounts() error {
	if s == nil {
		return fmt.Errorf("%w: nil settlement", ErrValidation)
	}
	if err := CheckSplit(s.GrossAmount, s.CommissionAmount, s.NetAmount); err != nil {
		return fmt.Errorf("settlement %s: %w", s.ID, err)
	}
	return nil
}

// Require returns ErrStateTransition unless the settlement is in one of allowed.
func (s *Settlement) Require(op string, allowed ...Status) error {
	for _, status := range allowed {
		if s.Status == status {
			return nil
		}
	}
	return fmt.Errorf("%w: %s requires status %v, settlement %s is %s", ErrStateTransition, op, allowed, s.ID, s.Status)
}

// OrderLink records that an order has been counted into a settlement.
type OrderLink struct {
	SettlementID string
	OrderID      string
	LinkedAt     time.Time
}

// DeliveredOrder is the order ledger's view of a delivered order.
type DeliveredOrder struct {
	ID           string
	RestaurantID string
	GrossAmount  decimal.Decimal
	CreatedAt    time.Time
}

// WeekAggregate is the computed settlement for one restaurant and week.
type WeekAggregate struct {
	RestaurantID     string
	OrderCount       int
	GrossAmount      decimal.Decimal
	CommissionRate   decimal.Decimal
	CommissionAmount decimal.Decimal
	NetAmount        decimal.Decimal
	OrderIDs         []string
}

// WeekResult summarises one UpsertWeek run.
type WeekResult struct {
	Week         WeekRange
	Created      int
	Updated      int
	Frozen       []string
	LinksCreated int
	Settlements  []string
}
