package domain

import (
	"errors"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("registry_code", func(fl validator.FieldLevel) bool {
		n := len(DigitsOnly(fl.Field().String()))
		return n == 11 || n == 14
	})
	return v
}

type customerRules struct {
	Name           string `validate:"required"`
	Email          string `validate:"required,email"`
	DocumentNumber string `validate:"required,registry_code"`
}

// ValidateCustomerData checks the identity fields both providers require.
func ValidateCustomerData(c CustomerData) error {
	rules := customerRules{
		Name:           strings.TrimSpace(c.Name),
		Email:          strings.TrimSpace(c.Email),
		DocumentNumber: strings.TrimSpace(c.DocumentNumber),
	}
	err := validate.Struct(rules)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields[fieldName(fe.Field())] = fe.Tag()
	}
	return out
}

func fieldName(field string) string {
	switch field {
	case "DocumentNumber":
		return "document_number"
	case "Email":
		return "email"
	case "Name":
		return "name"
	}
	return strings.ToLower(field)
}

// DigitsOnly strips punctuation from CPF/CNPJ and postal codes.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone returns the E.164 form of a Brazilian phone number.
// Unparseable numbers yield false and are left out of provider payloads.
func NormalizePhone(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	num, err := libphonenumber.Parse(raw, "BR")
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return "", false
	}
	return libphonenumber.Format(num, libphonenumber.E164), true
}
