package settlement

import (
	"fmt"
	"strings"
	"time"
)

// TransferMode is the payment rail used for a payout.
type TransferMode string

const (
	TransferModeIMPS TransferMode = "IMPS"
	TransferModeNEFT TransferMode = "NEFT"
	TransferModeRTGS TransferMode = "RTGS"
	TransferModeUPI  TransferMode = "UPI"
)

// ParseTransferMode normalises a configured mode; ok is false for unknown values.
func ParseTransferMode(value string) (TransferMode, bool) {
	mode := TransferMode(strings.ToUpper(strings.TrimSpace(value)))
	switch mode {
	case TransferModeIMPS, TransferModeNEFT, TransferModeRTGS, TransferModeUPI:
		return mode, true
	}
	return "", false
}

// PayoutMethod is the kind of funding destination.
type PayoutMethod string

const (
	MethodBankAccount PayoutMethod = "bank_account"
	MethodVPA         PayoutMethod = "vpa"
)

// PayoutAccount is a restaurant's payout configuration plus its gateway linkage.
type PayoutAccount struct {
	RestaurantID  string
	DisplayName   string
	ContactEmail  string
	ContactPhone  string
	Method        PayoutMethod
	AccountHolder string
	AccountNumber string
	IFSC          string
	VPA           string
	TransferMode  TransferMode
	PayeeID       string
	FundingID     string
	UpdatedAt     time.Time
}

// AttemptOutcome is the recorded result of one payout request.
type AttemptOutcome string

const (
	AttemptRequested       AttemptOutcome = "requested"
	AttemptSucceeded       AttemptOutcome = "succeeded"
	AttemptRejected        AttemptOutcome = "rejected"
	AttemptFailedRetryable AttemptOutcome = "failed_retryable"
	AttemptAmbiguous       AttemptOutcome = "ambiguous"
	AttemptReconciled      AttemptOutcome = "reconciled"
	AttemptNotCreated      AttemptOutcome = "not_created"
)

// ReleasesClaim reports whether the outcome proves no money moved, so the
// settlement may be re-aggregated and initiated again.
func (o AttemptOutcome) ReleasesClaim() bool {
	return o == AttemptFailedRetryable || o == AttemptNotCreated
}

// PayoutAttempt is one initiate call against the gateway, keyed by its idempotency token.
type PayoutAttempt struct {
	ID             string
	SettlementID   string
	IdempotencyKey string
	AmountMinor    int64
	Mode           TransferMode
	Outcome        AttemptOutcome
	PayoutID       string
	Reference      string
	Error          string
	CreatedAt      time.Time
	ResolvedAt     time.Time
}

// CheckAmount fails with ErrStateTransition when s no longer nets the amount
// this attempt requested.
func (a PayoutAttempt) CheckAmount(s *Settlement) error {
	minor, err := ToMinorUnits(s.NetAmount)
	if err != nil {
		return err
	}
	if minor != a.AmountMinor {
		return fmt.Errorf("%w: settlement %s nets %d minor units but attempt %s requested %d",
			ErrStateTransition, s.ID, minor, a.IdempotencyKey, a.AmountMinor)
	}
	return nil
}
