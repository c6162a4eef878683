package validate

import (
	"github.com/go-playground/validator/v10"
)

// EchoValidator adapts go-playground/validator to echo.Validator.
type EchoValidator struct {
	v *validator.Validate
}

func New() *EchoValidator {
	return &EchoValidator{v: validator.New(validator.WithRequiredStructEnabled())}
}

func (ev *EchoValidator) Validate(i interface{}) error {
	return ev.v.Struct(i)
}
