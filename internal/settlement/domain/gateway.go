package settlement

import "context"

// PayeeRequest registers a restaurant with the payout gateway.
type PayeeRequest struct {
	RestaurantID string
	Name         string
	Email        string
	Phone        string
}

// FundingRequest registers where a payee is paid.
type FundingRequest struct {
	PayeeID       string
	Method        PayoutMethod
	AccountHolder string
	AccountNumber string
	IFSC          string
	VPA           string
}

// PayoutRequest moves AmountMinor to a funding destination. The gateway
// deduplicates on IdempotencyKey.
type PayoutRequest struct {
	FundingID      string
	AmountMinor    int64
	Currency       string
	Mode           TransferMode
	Narration      string
	Reference      string
	IdempotencyKey string
}

// Gateway payout statuses.
const (
	PayoutStatusQueued     = "queued"
	PayoutStatusProcessing = "processing"
	PayoutStatusProcessed  = "processed"
	PayoutStatusFailed     = "failed"
	PayoutStatusReversed   = "reversed"
	PayoutStatusRejected   = "rejected"
)

// PayoutStatusFinal reports whether the gateway will not move the payout again.
func PayoutStatusFinal(status string) bool {
	switch status {
	case PayoutStatusProcessed, PayoutStatusFailed, PayoutStatusReversed, PayoutStatusRejected:
		return true
	}
	return false
}

// PayoutStatusUnpaid reports whether a final status means no money reached the payee.
func PayoutStatusUnpaid(status string) bool {
	return status == PayoutStatusFailed || status == PayoutStatusReversed || status == PayoutStatusRejected
}

// PayoutResult is the gateway's record of a payout.
type PayoutResult struct {
	PayoutID  string
	Reference string
	Status    string
}

// PayoutGateway is the external money-movement API.
//
// Errors are classified with the gateway sentinels: ErrGatewayRejected for a
// definite refusal, ErrGatewayUnavailable when nothing was created and a retry
// is safe, ErrGatewayAmbiguous when the request may or may not have been applied.
type PayoutGateway interface {
	CreatePayee(ctx context.Context, req PayeeRequest) (string, error)
	CreateFundingDestination(ctx context.Context, req FundingRequest) (string, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error)
}

// PayoutLookup is implemented by gateways that can search payouts by the
// reference sent on creation. A missing payout is reported as ErrNotFound.
type PayoutLookup interface {
	FindPayoutByReference(ctx context.Context, reference string) (*PayoutResult, error)
}
