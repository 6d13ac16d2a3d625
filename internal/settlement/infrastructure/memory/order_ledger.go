package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	settlement "settlement-engine/internal/settlement/domain"
)

// Order is a ledger entry held in memory.
type Order struct {
	settlement.DeliveredOrder
	Status string
}

// OrderLedger is an in-memory order ledger.
type OrderLedger struct {
	mu     sync.RWMutex
	orders map[string]Order
	err    error
}

// NewOrderLedger constructs a ledger.
func NewOrderLedger() *OrderLedger {
	return &OrderLedger{orders: make(map[string]Order)}
}

// Put adds or replaces an order (e.g. when it becomes delivered).
func (l *OrderLedger) Put(order Order) {
	l.mu.Lock()
	l.orders[order.ID] = order
	l.mu.Unlock()
}

// FailWith makes every subsequent read return err; nil restores reads.
func (l *OrderLedger) FailWith(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// ListDeliveredOrders returns delivered orders created in [from, to].
func (l *OrderLedger) ListDeliveredOrders(ctx context.Context, from, to time.Time) ([]settlement.DeliveredOrder, error) {
	return l.list(ctx, "", from, to)
}

// ListRestaurantOrders returns one restaurant's delivered orders created in [from, to].
func (l *OrderLedger) ListRestaurantOrders(ctx context.Context, restaurantID string, from, to time.Time) ([]settlement.DeliveredOrder, error) {
	return l.list(ctx, restaurantID, from, to)
}

func (l *OrderLedger) list(ctx context.Context, restaurantID string, from, to time.Time) ([]settlement.DeliveredOrder, error) {
	_ = ctx
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.err != nil {
		return nil, l.err
	}
	var out []settlement.DeliveredOrder
	for _, o := range l.orders {
		if o.Status != "delivered" {
			continue
		}
		if restaurantID != "" && o.RestaurantID != restaurantID {
			continue
		}
		if o.CreatedAt.Before(from) || o.CreatedAt.After(to) {
			continue
		}
		out = append(out, o.DeliveredOrder)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RestaurantID != out[j].RestaurantID {
			return out[i].RestaurantID < out[j].RestaurantID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
