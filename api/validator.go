package api

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

var digitsRegex = regexp.MustCompile(`^\+?[0-9]+$`)

// RequestValidator wraps go-playground validator with the request rules
type RequestValidator struct {
	validate *validator.Validate
}

// NewRequestValidator registers the custom rules:
// wallet (hex account address) and digits (numeric with optional leading +)
func NewRequestValidator() *RequestValidator {
	v := validator.New()
	v.SetTagName("validate")
	v.RegisterValidation("wallet", validateWallet)
	v.RegisterValidation("digits", validateDigits)
	return &RequestValidator{validate: v}
}

// Validate validates a struct and flattens field errors into one message
func (rv *RequestValidator) Validate(i interface{}) error {
	err := rv.validate.Struct(i)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func validateWallet(fl validator.FieldLevel) bool {
	return common.IsHexAddress(fl.Field().String())
}

func validateDigits(fl validator.FieldLevel) bool {
	return digitsRegex.MatchString(fl.Field().String())
}
