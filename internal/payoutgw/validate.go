package payoutgw

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"

	settlement "settlement-engine/internal/settlement/domain"
)

var validate = validator.New()

// NormalizePhone returns phone in E.164, reading national numbers in region.
func NormalizePhone(phone, region string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", nil
	}
	p, err := libphonenumber.Parse(phone, region)
	if err != nil {
		return "", fmt.Errorf("%w: phone %q: %v", settlement.ErrValidation, phone, err)
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("%w: phone %q is not a valid number", settlement.ErrValidation, phone)
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

func validatePayload(kind string, payload any) error {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %s: %v", settlement.ErrValidation, kind, err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fe.Namespace()+" "+fe.Tag())
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s: %s", settlement.ErrValidation, kind, strings.Join(problems, ", "))
}
