package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places kept on stored amounts.
const MoneyScale = 2

var (
	hundred         = decimal.NewFromInt(100)
	minorUnitFactor = decimal.New(1, MoneyScale)
)

// ValidateCommissionRate checks that rate is a percentage in [0, 100].
func ValidateCommissionRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return fmt.Errorf("%w: commission rate %s outside [0, 100]", ErrValidation, rate.String())
	}
	return nil
}

// SplitCommission returns commission = round(gross × rate / 100, 2) and
// net = gross − commission. Net is derived so the two always add back to gross.
func SplitCommission(gross, rate decimal.Decimal) (commission, net decimal.Decimal) {
	commission = gross.Mul(rate).Div(hundred).Round(MoneyScale)
	net = gross.Sub(commission)
	return commission, net
}

// CheckSplit fails with ErrFinancialInvariant when commission + net != gross.
func CheckSplit(gross, commission, net decimal.Decimal) error {
	if !commission.Add(net).Equal(gross) {
		return fmt.Errorf("%w: commission %s + net %s != gross %s",
			ErrFinancialInvariant, commission.StringFixed(MoneyScale), net.StringFixed(MoneyScale), gross.StringFixed(MoneyScale))
	}
	return nil
}

// ToMinorUnits converts a major-unit amount into integer minor units (e.g. paise).
// Amounts with sub-minor precision are rejected rather than rounded.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	minor := amount.Mul(minorUnitFactor)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %s has sub-minor precision", ErrFinancialInvariant, amount.String())
	}
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: amount %s overflows minor units", ErrFinancialInvariant, amount.String())
	}
	return minor.IntPart(), nil
}

// FromMinorUnits converts integer minor units back to a major-unit amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -MoneyScale)
}
