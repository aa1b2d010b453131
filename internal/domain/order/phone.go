// internal/domain/order/phone.go
package order

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// PhoneValidator checks a customer phone number. Implementations are supplied by the host.
type PhoneValidator interface {
	ValidPhone(phone string) bool
}

// PhoneValidatorFunc adapts a function to PhoneValidator
type PhoneValidatorFunc func(string) bool

func (f PhoneValidatorFunc) ValidPhone(phone string) bool { return f(phone) }

// E164Validator accepts numbers in E.164 form, e.g. +251911234567
type E164Validator struct {
	validate *validator.Validate
}

// NewE164Validator creates the default phone validator
func NewE164Validator() *E164Validator {
	return &E164Validator{validate: validator.New()}
}

func (v *E164Validator) ValidPhone(phone string) bool {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return false
	}
	return v.validate.Var(phone, "e164") == nil
}
