package control

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidControlValue is wrapped by every rejected Set.
	ErrInvalidControlValue = errors.New("control: invalid control value")

	// ErrDisabled is returned when setting a control that is not enabled.
	ErrDisabled = errors.New("control: control disabled")

	// ErrInvalidDefinition is returned by constructors and Modify* for
	// inconsistent bounds.
	ErrInvalidDefinition = errors.New("control: invalid definition")
)

// InvalidValueError describes a rejected value. The control is unchanged.
type InvalidValueError struct {
	Control string
	Value   any
	Reason  string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("control: invalid value %v for %q: %s", e.Value, e.Control, e.Reason)
}

func (e *InvalidValueError) Unwrap() error { return ErrInvalidControlValue }
