package settlement

import (
	"context"
	"time"
)

// OrderLedger is the read-only source of delivered orders.
type OrderLedger interface {
	// ListDeliveredOrders returns delivered orders created in [from, to], all restaurants.
	ListDeliveredOrders(ctx context.Context, from, to time.Time) ([]DeliveredOrder, error)
	// ListRestaurantOrders returns delivered orders of one restaurant created in [from, to].
	ListRestaurantOrders(ctx context.Context, restaurantID string, from, to time.Time) ([]DeliveredOrder, error)
}

// Repository persists settlements and their order links.
type Repository interface {
	// ApplyWeek upserts every aggregate and links its orders in one transaction.
	// Rows that have left pending keep their amounts and gain no links.
	ApplyWeek(ctx context.Context, week WeekRange, aggregates []WeekAggregate, meta WeekMeta) (WeekResult, error)
	Get(ctx context.Context, id string) (*Settlement, error)
	FindByPayoutID(ctx context.Context, payoutID string) (*Settlement, error)
	ListByWeek(ctx context.Context, isoYearWeek int) ([]Settlement, error)
	ListLinks(ctx context.Context, settlementID string) ([]OrderLink, error)
	ListNeedingReconciliation(ctx context.Context) ([]Settlement, error)

	// Guarded transitions: each succeeds only while the stored status still matches
	// the expected pre-state and returns ErrStateTransition otherwise.
	MarkProcessing(ctx context.Context, id, payoutID, reference string, at time.Time) error
	MarkCompleted(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error
	FlagReconciliation(ctx context.Context, id, reason string, at time.Time) error
	ClearReconciliation(ctx context.Context, id string, at time.Time) error
}

// WeekMeta carries the configuration stamped onto rows written by ApplyWeek.
type WeekMeta struct {
	Currency          string
	DueDateOffsetDays int
	Now               time.Time
}

// PayoutAccountRepository stores restaurant payout configuration and gateway linkage.
type PayoutAccountRepository interface {
	Get(ctx context.Context, restaurantID string) (*PayoutAccount, error)
	// AttachPayee stores payeeID unless one is already linked; it returns the linked id.
	AttachPayee(ctx context.Context, restaurantID, payeeID string, at time.Time) (string, error)
	// AttachFunding stores fundingID unless one is already linked; it returns the linked id.
	AttachFunding(ctx context.Context, restaurantID, fundingID string, at time.Time) (string, error)
}

// AttemptRepository records payout attempts and their idempotency keys.
type AttemptRepository interface {
	// Claim inserts a requested attempt. It returns false when the settlement
	// already has an attempt in flight.
	Claim(ctx context.Context, attempt *PayoutAttempt) (bool, error)
	Resolve(ctx context.Context, idempotencyKey string, outcome AttemptOutcome, payoutID, reference, errMsg string, at time.Time) error
	Get(ctx context.Context, idempotencyKey string) (*PayoutAttempt, error)
	Latest(ctx context.Context, settlementID string) (*PayoutAttempt, error)
	ListStale(ctx context.Context, before time.Time) ([]PayoutAttempt, error)
}
