// Package schema validates outgoing events before they are published.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrNilEvent is returned when Validate is called without an event.
var ErrNilEvent = errors.New("schema: nil event")

// Validator checks events against the constraints declared in their struct tags.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate returns a single error listing every failed field, or nil.
func (v *Validator) Validate(event any) error {
	if event == nil {
		return ErrNilEvent
	}
	err := v.v.Struct(event)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("schema: %w", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("schema: invalid %T: %s", event, strings.Join(fields, ", "))
}
