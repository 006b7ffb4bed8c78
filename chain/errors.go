package chain

import (
	"errors"
	"fmt"

	"github.com/ashuang/camunits-sub002/registry"
)

var (
	ErrChainStreaming     = errors.New("chain: operation refused while units are active")
	ErrFormatIncompatible = errors.New("chain: format incompatible")
	ErrUnitNotInChain     = errors.New("chain: unit not in chain")
	ErrSubscriberExists   = errors.New("chain: frame handler already exists")
	ErrSubscriberNotFound = errors.New("chain: frame handler not found")

	// Re-exported for callers of AddUnitByID.
	ErrUnknownUnitIdentifier = registry.ErrUnknownUnitIdentifier
)

// FormatIncompatibleError names the adjacent pair whose formats do not match.
// Upstream is empty when Downstream is first in the chain and needs input.
type FormatIncompatibleError struct {
	Upstream   string
	Downstream string
	Err        error
}

func (e *FormatIncompatibleError) Error() string {
	if e.Upstream == "" {
		return fmt.Sprintf("chain: %s has no upstream unit: %v", e.Downstream, e.Err)
	}
	return fmt.Sprintf("chain: %s output does not satisfy %s: %v", e.Upstream, e.Downstream, e.Err)
}

func (e *FormatIncompatibleError) Unwrap() []error { return []error{ErrFormatIncompatible, e.Err} }
