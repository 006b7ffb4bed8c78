package unit

import (
	"errors"
	"fmt"
)

var (
	ErrStreamInit       = errors.New("unit: stream init failed")
	ErrFaulted          = errors.New("unit: faulted")
	ErrNotStreaming     = errors.New("unit: not streaming")
	ErrStreaming        = errors.New("unit: operation refused while streaming")
	ErrNoOutputFormat   = errors.New("unit: no output format offered")
	ErrUnknownFormat    = errors.New("unit: format not offered by unit")
	ErrDuplicateControl = errors.New("unit: control already exists")
	ErrNoSuchControl    = errors.New("unit: no such control")
	ErrInputRequired    = errors.New("unit: input format does not satisfy requirement")
)

// StreamInitError reports a unit that could not acquire its resources.
// The unit stays Idle.
type StreamInitError struct {
	UnitID string
	Err    error
}

func (e *StreamInitError) Error() string {
	return fmt.Sprintf("unit: stream init %s: %v", e.UnitID, e.Err)
}

func (e *StreamInitError) Unwrap() []error { return []error{ErrStreamInit, e.Err} }

// FaultError reports an unrecoverable error raised while streaming.
type FaultError struct {
	UnitID string
	Err    error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("unit: %s faulted: %v", e.UnitID, e.Err)
}

func (e *FaultError) Unwrap() []error { return []error{ErrFaulted, e.Err} }
