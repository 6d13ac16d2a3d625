package settlement

import "errors"

var (
	// ErrValidation is returned for malformed input such as an invalid week range.
	// Rejected before any query; not retried.
	ErrValidation = errors.New("settlement: validation failed")
	// ErrAggregation is returned when the order ledger cannot be read or the week
	// transaction fails. No partial writes remain; retry the whole week.
	ErrAggregation = errors.New("settlement: aggregation failed")
	// ErrStateTransition is returned when a settlement is not in the state an
	// operation requires. Requires operator intervention.
	ErrStateTransition = errors.New("settlement: invalid state transition")
	// ErrGateway is the parent of clean gateway failures.
	ErrGateway = errors.New("settlement: gateway error")
	// ErrGatewayRejected is a definitive gateway rejection (bad account details etc.).
	ErrGatewayRejected = &gatewayError{msg: "settlement: gateway rejected payout"}
	// ErrGatewayUnavailable is a clean, retryable gateway failure; status stays pending.
	ErrGatewayUnavailable = &gatewayError{msg: "settlement: gateway unavailable"}
	// ErrGatewayAmbiguous means a payout may or may not exist at the gateway.
	// Never retried automatically; requires reconciliation.
	ErrGatewayAmbiguous = errors.New("settlement: gateway outcome ambiguous")
	// ErrFinancialInvariant is returned when commission + net != gross or an amount
	// cannot be represented exactly. Treated as a bug; never coerced.
	ErrFinancialInvariant = errors.New("settlement: financial invariant violated")
	// ErrNotFound is returned when a settlement does not exist.
	ErrNotFound = errors.New("settlement: not found")
	// ErrPayoutAccountMissing is returned when a restaurant has no payout configuration.
	ErrPayoutAccountMissing = errors.New("settlement: payout account not configured")
)

type gatewayError struct {
	msg string
}

func (e *gatewayError) Error() string { return e.msg }

// Is lets errors.Is(err, ErrGateway) match both clean gateway failure kinds.
func (e *gatewayError) Is(target error) bool { return target == ErrGateway }
