package application

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	settlement "settlement-engine/internal/settlement/domain"
)

// Aggregator computes weekly per-restaurant settlements from the order ledger.
// It never writes.
type Aggregator struct {
	ledger settlement.OrderLedger
	rate   decimal.Decimal
}

// NewAggregator constructs an aggregator with the global commission rate (percent).
func NewAggregator(ledger settlement.OrderLedger, commissionRate decimal.Decimal) (*Aggregator, error) {
	if ledger == nil {
		return nil, errors.New("aggregator: nil order ledger")
	}
	if err := settlement.ValidateCommissionRate(commissionRate); err != nil {
		return nil, err
	}
	return &Aggregator{ledger: ledger, rate: commissionRate}, nil
}

// CommissionRate returns the configured rate.
func (a *Aggregator) CommissionRate() decimal.Decimal {
	return a.rate
}

// PreviewAggregates groups the week's delivered orders by restaurant. Output is
// sorted by restaurant id and each aggregate carries its sorted order ids.
func (a *Aggregator) PreviewAggregates(ctx context.Context, week settlement.WeekRange) ([]settlement.WeekAggregate, error) {
	if err := week.Validate(); err != nil {
		return nil, err
	}
	orders, err := a.ledger.ListDeliveredOrders(ctx, week.Start, week.End)
	if err != nil {
		return nil, fmt.Errorf("%w: list delivered orders for %s: %w", settlement.ErrAggregation, week.Label(), err)
	}

	type bucket struct {
		gross decimal.Decimal
		ids   []string
	}
	buckets := make(map[string]*bucket)
	seen := make(map[string]struct{}, len(orders))
	for _, order := range orders {
		if order.ID == "" || order.RestaurantID == "" {
			return nil, fmt.Errorf("%w: ledger returned an order without id or restaurant", settlement.ErrAggregation)
		}
		if !week.Contains(order.CreatedAt) {
			continue
		}
		if _, dup := seen[order.ID]; dup {
			continue
		}
		seen[order.ID] = struct{}{}
		if order.GrossAmount.IsNegative() {
			return nil, fmt.Errorf("%w: order %s has negative gross %s", settlement.ErrAggregation, order.ID, order.GrossAmount)
		}
		if !order.GrossAmount.Equal(order.GrossAmount.Round(settlement.MoneyScale)) {
			return nil, fmt.Errorf("%w: order %s gross %s has sub-cent precision", settlement.ErrFinancialInvariant, order.ID, order.GrossAmount)
		}
		b := buckets[order.RestaurantID]
		if b == nil {
			b = &bucket{gross: decimal.Zero}
			buckets[order.RestaurantID] = b
		}
		b.gross = b.gross.Add(order.GrossAmount)
		b.ids = append(b.ids, order.ID)
	}

	restaurants := make([]string, 0, len(buckets))
	for id := range buckets {
		restaurants = append(restaurants, id)
	}
	sort.Strings(restaurants)

	aggregates := make([]settlement.WeekAggregate, 0, len(restaurants))
	for _, restaurantID := range restaurants {
		b := buckets[restaurantID]
		sort.Strings(b.ids)
		commission, net := settlement.SplitCommission(b.gross, a.rate)
		if err := settlement.CheckSplit(b.gross, commission, net); err != nil {
			return nil, fmt.Errorf("restaurant %s: %w", restaurantID, err)
		}
		aggregates = append(aggregates, settlement.WeekAggregate{
			RestaurantID:     restaurantID,
			OrderCount:       len(b.ids),
			GrossAmount:      b.gross,
			CommissionRate:   a.rate,
			CommissionAmount: commission,
			NetAmount:        net,
			OrderIDs:         b.ids,
		})
	}
	return aggregates, nil
}
