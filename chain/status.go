package chain

import (
	"fmt"
	"slices"

	"github.com/ashuang/camunits-sub002/unit"
)

// EventKind classifies chain events.
type EventKind int

const (
	UnitAdded EventKind = iota + 1
	UnitRemoved
	UnitReordered
	UnitStatusChanged
)

func (k EventKind) String() string {
	switch k {
	case UnitAdded:
		return "unit-added"
	case UnitRemoved:
		return "unit-removed"
	case UnitReordered:
		return "unit-reordered"
	case UnitStatusChanged:
		return "unit-status-changed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event describes a structural or lifecycle change. Old is set for
// UnitStatusChanged.
type Event struct {
	Kind  EventKind
	Unit  *unit.Unit
	Index int
	Old   unit.State
}

// OnEvent registers fn for chain events. Events are delivered synchronously
// on the goroutine that caused them.
func (c *Chain) OnEvent(fn func(Event)) {
	c.hmu.Lock()
	c.events = append(c.events, fn)
	c.hmu.Unlock()
}

func (c *Chain) emit(ev Event) {
	c.hmu.RLock()
	fns := slices.Clone(c.events)
	c.hmu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// State is the aggregate lifecycle state of a chain.
type State int

const (
	Idle      State = iota // every unit idle
	Partial                // some units streaming
	Streaming              // every unit streaming
	Degraded               // a format change forced an implicit shutdown
	Faulted                // a unit faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Partial:
		return "PARTIAL"
	case Streaming:
		return "STREAMING"
	case Degraded:
		return "DEGRADED"
	case Faulted:
		return "FAULTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is a snapshot of the chain's condition.
type Status struct {
	State State

	// FaultedUnit is the first faulted unit, if any.
	FaultedUnit *unit.Unit
	Err         error

	// Incompatibility is non-nil when the chain is not stream capable.
	Incompatibility error
}

// Status computes the aggregate state.
func (c *Chain) Status() Status {
	units := c.Units()

	c.mu.RLock()
	st := Status{Incompatibility: c.incompat}
	degraded := c.degraded
	c.mu.RUnlock()

	streaming := 0
	for _, u := range units {
		switch u.State() {
		case unit.Faulted:
			if st.FaultedUnit == nil {
				st.FaultedUnit = u
				st.Err = u.Err()
			}
		case unit.Streaming:
			streaming++
		}
	}

	switch {
	case st.FaultedUnit != nil:
		st.State = Faulted
	case degraded:
		st.State = Degraded
	case streaming == 0:
		st.State = Idle
	case streaming == len(units):
		st.State = Streaming
	default:
		st.State = Partial
	}
	return st
}

// Stats are cumulative pump counters.
type Stats struct {
	Pumps  uint64 // PumpOnce calls on a fully streaming chain
	Frames uint64 // frames delivered to handlers
	Faults uint64 // unit faults observed
}

// Stats returns a snapshot of the counters.
func (c *Chain) Stats() Stats {
	return Stats{
		Pumps:  c.pumps.Load(),
		Frames: c.frames.Load(),
		Faults: c.faults.Load(),
	}
}
