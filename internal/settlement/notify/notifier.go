// Package notify tells operations about settlements that need a human.
package notify

import "context"

// AlertMessage describes a settlement an operator must look at, usually a
// payout whose outcome the engine could not determine.
type AlertMessage struct {
	SettlementID      string
	RestaurantID      string
	Week              string
	NetAmount         string
	Currency          string
	IdempotencyKey    string
	Reason            string
	RecommendedAction string
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, msg AlertMessage) error
}
