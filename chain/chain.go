// Package chain orders units into a linear pipeline, negotiates formats
// between neighbours, drives their lifecycle and pumps frames through them.
//
// Thread-safety: a Chain is driven from one goroutine (the caller of
// PumpOnce, or an eventloop.Loop). Read-only accessors (Units, Status,
// Stats) and frame handler registration may be used concurrently.
package chain

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
)

// maxFramesPerTick bounds Tick so an always-ready source cannot starve the
// host loop.
const maxFramesPerTick = 16

// FrameHandler receives the terminal unit's frame. The buffer is released
// after all handlers return; call buf.Ref() to keep it.
type FrameHandler func(c *Chain, u *unit.Unit, buf *framebuffer.FrameBuffer)

type frameHandler struct {
	id string
	fn FrameHandler
}

// Chain is an ordered sequence of units.
type Chain struct {
	id       string
	registry *registry.Registry
	logger   *slog.Logger

	mu        sync.RWMutex
	units     []*unit.Unit
	attached  map[*unit.Unit]bool
	lastInput map[*unit.Unit]framebuffer.Format
	incompat  error
	degraded  bool

	hmu      sync.RWMutex
	handlers []frameHandler
	events   []func(Event)

	propagating atomic.Bool
	repropagate atomic.Bool
	batch       atomic.Int32

	pumps  atomic.Uint64
	frames atomic.Uint64
	faults atomic.Uint64
}

// New returns an empty chain that instantiates units from reg.
func New(reg *registry.Registry) *Chain {
	id := uuid.NewString()
	return &Chain{
		id:        id,
		registry:  reg,
		logger:    slog.Default().With("chain", id[:8]),
		attached:  make(map[*unit.Unit]bool),
		lastInput: make(map[*unit.Unit]framebuffer.Format),
	}
}

// ID identifies the chain instance in logs.
func (c *Chain) ID() string { return c.id }

// Registry returns the registry used by AddUnitByID.
func (c *Chain) Registry() *registry.Registry { return c.registry }

// Units returns the units in processing order.
func (c *Chain) Units() []*unit.Unit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.units)
}

// Len returns the number of units.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.units)
}

// Unit returns the unit at position i, or nil.
func (c *Chain) Unit(i int) *unit.Unit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.units) {
		return nil
	}
	return c.units[i]
}

// LastUnit returns the terminal unit, or nil for an empty chain.
func (c *Chain) LastUnit() *unit.Unit {
	return c.Unit(c.Len() - 1)
}

// IndexOf returns the position of u, or -1.
func (c *Chain) IndexOf(u *unit.Unit) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Index(c.units, u)
}

// FindUnit returns the first unit with the given identifier.
func (c *Chain) FindUnit(id string) *unit.Unit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, u := range c.units {
		if u.ID() == id {
			return u
		}
	}
	return nil
}

// AddUnitByID instantiates id from the registry and appends it.
func (c *Chain) AddUnitByID(id string) (*unit.Unit, error) {
	if c.registry == nil {
		return nil, fmt.Errorf("%w: %q (chain has no registry)", ErrUnknownUnitIdentifier, id)
	}
	if err := c.checkIdle(); err != nil {
		return nil, err
	}
	u, err := c.registry.Instantiate(id)
	if err != nil {
		return nil, err
	}
	if err := c.InsertUnit(u, -1); err != nil {
		return nil, err
	}
	return u, nil
}

// AppendUnit adds u at the end of the chain.
func (c *Chain) AppendUnit(u *unit.Unit) error {
	return c.InsertUnit(u, -1)
}

// InsertUnit places u at pos; a negative or out of range pos appends.
// Refused while any unit is active.
func (c *Chain) InsertUnit(u *unit.Unit, pos int) error {
	if err := c.checkIdle(); err != nil {
		return err
	}
	if u.State() != unit.Idle {
		return fmt.Errorf("%w: inserting active unit %s", ErrChainStreaming, u.ID())
	}

	c.mu.Lock()
	if slices.Contains(c.units, u) {
		c.mu.Unlock()
		return fmt.Errorf("chain: unit %s already in chain", u.ID())
	}
	if pos < 0 || pos > len(c.units) {
		pos = len(c.units)
	}
	c.units = slices.Insert(c.units, pos, u)
	attach := !c.attached[u]
	c.attached[u] = true
	c.mu.Unlock()

	if attach {
		u.OnFormatChanged(c.onUnitFormatChanged)
		u.OnStatusChanged(c.onUnitStatusChanged)
	}

	c.rewire()
	c.logger.Debug("chain: unit added", "unit", u.ID(), "position", pos)
	c.emit(Event{Kind: UnitAdded, Unit: u, Index: pos})
	c.propagate(pos)
	return nil
}

// RemoveUnit detaches u. Refused while any unit is active.
func (c *Chain) RemoveUnit(u *unit.Unit) error {
	if err := c.checkIdle(); err != nil {
		return err
	}

	c.mu.Lock()
	i := slices.Index(c.units, u)
	if i < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnitNotInChain, u.ID())
	}
	c.units = slices.Delete(c.units, i, i+1)
	delete(c.lastInput, u)
	c.mu.Unlock()

	_ = u.SetInput(nil)
	c.rewire()
	c.logger.Debug("chain: unit removed", "unit", u.ID(), "position", i)
	c.emit(Event{Kind: UnitRemoved, Unit: u, Index: i})
	c.propagate(i)
	return nil
}

// RemoveAllUnits empties the chain. Refused while any unit is active.
func (c *Chain) RemoveAllUnits() error {
	if err := c.checkIdle(); err != nil {
		return err
	}
	for u := c.LastUnit(); u != nil; u = c.LastUnit() {
		if err := c.RemoveUnit(u); err != nil {
			return err
		}
	}
	return nil
}

// ReorderUnit moves u to pos. Refused while any unit is active.
func (c *Chain) ReorderUnit(u *unit.Unit, pos int) error {
	if err := c.checkIdle(); err != nil {
		return err
	}

	c.mu.Lock()
	i := slices.Index(c.units, u)
	if i < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnitNotInChain, u.ID())
	}
	c.units = slices.Delete(c.units, i, i+1)
	if pos < 0 || pos > len(c.units) {
		pos = len(c.units)
	}
	c.units = slices.Insert(c.units, pos, u)
	c.mu.Unlock()

	c.rewire()
	c.logger.Debug("chain: unit reordered", "unit", u.ID(), "from", i, "to", pos)
	c.emit(Event{Kind: UnitReordered, Unit: u, Index: pos})
	c.propagate(min(i, pos))
	return nil
}

// Close shuts every unit down and empties the chain.
func (c *Chain) Close() error {
	err := c.AllUnitsStreamShutdown()
	return errors.Join(err, c.RemoveAllUnits())
}

func (c *Chain) checkIdle() error {
	for _, u := range c.Units() {
		if s := u.State(); s != unit.Idle {
			return fmt.Errorf("%w: %s is %s", ErrChainStreaming, u.ID(), s)
		}
	}
	return nil
}

// rewire points every unit at its predecessor. Units are idle here.
func (c *Chain) rewire() {
	units := c.Units()
	for i, u := range units {
		var in *unit.Unit
		if i > 0 {
			in = units[i-1]
		}
		if u.Input() != in {
			if err := u.SetInput(in); err != nil {
				c.logger.Warn("chain: rewire failed", "unit", u.ID(), "error", err)
			}
		}
	}
}

func (c *Chain) onUnitFormatChanged(u *unit.Unit) {
	if i := c.IndexOf(u); i >= 0 {
		c.propagate(i + 1)
	}
}

func (c *Chain) onUnitStatusChanged(u *unit.Unit, old unit.State) {
	i := c.IndexOf(u)
	if i < 0 {
		return
	}
	if u.State() == unit.Faulted {
		c.faults.Add(1)
		c.logger.Error("chain: unit faulted", "unit", u.ID(), "position", i, "error", u.Err())
	}
	c.emit(Event{Kind: UnitStatusChanged, Unit: u, Index: i, Old: old})
	c.propagate(i + 1)
}

// propagate pushes upstream formats into units from position `from`
// onwards, then re-validates every adjacent pair.
//
// Algorithm:
//  1. Re-entrant calls (a unit reacting to its new input by changing its
//     own outputs) only mark a rerun; the outer loop already walks forward.
//  2. An active unit whose upstream format no longer matches the format it
//     was started with is shut down (implicit shutdown) and the chain is
//     marked degraded until the next full init.
//  3. Idle non-source units get InputFormatChanged when their upstream
//     format differs from the last one delivered.
func (c *Chain) propagate(from int) {
	if c.batch.Load() > 0 {
		c.repropagate.Store(true)
		return
	}
	if !c.propagating.CompareAndSwap(false, true) {
		c.repropagate.Store(true)
		return
	}
	defer c.propagating.Store(false)

	for {
		c.repropagate.Store(false)
		c.propagateOnce(max(from, 0))
		if !c.repropagate.Load() {
			break
		}
		from = 0
	}
	c.validate()
}

func (c *Chain) propagateOnce(from int) {
	units := c.Units()
	for j := from; j < len(units); j++ {
		u := units[j]
		if u.IsSource() {
			continue
		}

		var upFmt framebuffer.Format
		var has bool
		if j > 0 {
			upFmt, has = units[j-1].OutputFormat()
		}

		if u.State() != unit.Idle {
			if has && upFmt.Equal(u.StreamInputFormat()) {
				continue
			}
			c.logger.Warn("chain: upstream format changed under active unit, shutting it down",
				"unit", u.ID(), "format", upFmt.Name)
			_ = u.StreamShutdown()
			c.mu.Lock()
			c.degraded = true
			c.mu.Unlock()
		}

		c.mu.Lock()
		last, seen := c.lastInput[u]
		if seen && last.Equal(upFmt) {
			c.mu.Unlock()
			continue
		}
		c.lastInput[u] = upFmt
		c.mu.Unlock()

		if has {
			f := upFmt
			u.HandleInputFormatChanged(&f)
		} else {
			u.HandleInputFormatChanged(nil)
		}
	}
}

// validate records the first adjacent pair that cannot stream.
func (c *Chain) validate() {
	var incompat error
	units := c.Units()
	for i, u := range units {
		req := u.InputRequirement()
		if req == nil {
			continue
		}
		if i == 0 {
			incompat = &FormatIncompatibleError{Downstream: u.ID(), Err: unit.ErrInputRequired}
			break
		}
		up := units[i-1]
		f, _ := up.OutputFormat()
		if err := req.Accepts(f); err != nil {
			incompat = &FormatIncompatibleError{Upstream: up.ID(), Downstream: u.ID(), Err: err}
			break
		}
	}

	c.mu.Lock()
	changed := (incompat == nil) != (c.incompat == nil)
	c.incompat = incompat
	c.mu.Unlock()

	if changed && incompat != nil {
		c.logger.Warn("chain: not stream capable", "error", incompat)
	}
}

// StreamCapable reports whether every adjacent pair is compatible.
func (c *Chain) StreamCapable() bool {
	return c.Incompatibility() == nil
}

// Incompatibility returns the current *FormatIncompatibleError, or nil.
func (c *Chain) Incompatibility() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.incompat
}

// AllUnitsStreamInit starts each idle unit in order.
//
// It stops at the first failure and returns that unit with the error;
// units before it stay streaming. Rolling back is the caller's decision
// (usually AllUnitsStreamShutdown). Returns (nil, nil) on success.
func (c *Chain) AllUnitsStreamInit() (*unit.Unit, error) {
	units := c.Units()
	for i, u := range units {
		if u.State() == unit.Streaming {
			continue
		}
		if req := u.InputRequirement(); req != nil {
			var up string
			var f framebuffer.Format
			if i > 0 {
				up = units[i-1].ID()
				f, _ = units[i-1].OutputFormat()
			}
			if err := req.Accepts(f); err != nil {
				err = &FormatIncompatibleError{Upstream: up, Downstream: u.ID(), Err: err}
				c.logger.Warn("chain: stream init stopped", "unit", u.ID(), "position", i, "error", err)
				return u, err
			}
		}
		if err := u.StreamInit(); err != nil {
			c.logger.Warn("chain: stream init stopped", "unit", u.ID(), "position", i, "error", err)
			return u, err
		}
	}

	c.mu.Lock()
	c.degraded = false
	c.mu.Unlock()
	c.logger.Info("chain: streaming", "units", len(units))
	return nil, nil
}

// AllUnitsStreamShutdown shuts every unit down, whatever the individual
// outcome. Failures are logged and returned joined, for inspection only:
// every unit is Idle afterwards.
func (c *Chain) AllUnitsStreamShutdown() error {
	c.batch.Add(1)
	var errs []error
	for _, u := range c.Units() {
		if err := u.StreamShutdown(); err != nil {
			c.logger.Warn("chain: shutdown error", "unit", u.ID(), "error", err)
			errs = append(errs, err)
		}
	}
	c.batch.Add(-1)

	c.mu.Lock()
	c.degraded = false
	c.mu.Unlock()

	c.propagate(0)
	return errors.Join(errs...)
}

// PumpOnce pulls one frame from the first unit and pushes it through the
// rest. It returns true when the terminal unit produced a frame and the
// handlers were notified.
//
// No frame at any stage ends the cycle quietly. A chain that is not fully
// streaming is a no-op. A faulting unit ends the cycle with *unit.FaultError;
// other units keep their state.
func (c *Chain) PumpOnce() (bool, error) {
	units := c.Units()
	if len(units) == 0 {
		return false, nil
	}
	for _, u := range units {
		if u.State() != unit.Streaming {
			return false, nil
		}
	}
	c.pumps.Add(1)

	var buf *framebuffer.FrameBuffer
	for _, u := range units {
		out, err := u.Process(buf)
		if buf != nil {
			buf.Release()
		}
		if err != nil {
			return false, err
		}
		if out == nil {
			return false, nil
		}
		buf = out
	}

	c.frames.Add(1)
	c.deliver(units[len(units)-1], buf)
	buf.Release()
	return true, nil
}

// Tick pumps until a cycle yields no frame, at most maxFramesPerTick times.
// It returns the number of frames delivered.
func (c *Chain) Tick() (int, error) {
	n := 0
	for n < maxFramesPerTick {
		ok, err := c.PumpOnce()
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		n++
	}
	return n, nil
}

// WaitHandle pairs an asynchronous unit with its readiness channel.
type WaitHandle struct {
	Unit *unit.Unit
	C    <-chan struct{}
}

// WaitHandles returns the readiness channels of asynchronous units.
func (c *Chain) WaitHandles() []WaitHandle {
	var out []WaitHandle
	for _, u := range c.Units() {
		if ch := u.WaitHandle(); ch != nil {
			out = append(out, WaitHandle{Unit: u, C: ch})
		}
	}
	return out
}

// NextEventTime returns the earliest scheduled event of a timer-driven
// streaming unit, or the zero time.
func (c *Chain) NextEventTime() time.Time {
	var next time.Time
	for _, u := range c.Units() {
		t := u.NextEventTime()
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	return next
}

// OnFrameReady registers fn under id. Handlers run in registration order.
func (c *Chain) OnFrameReady(id string, fn FrameHandler) error {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if slices.ContainsFunc(c.handlers, func(h frameHandler) bool { return h.id == id }) {
		return fmt.Errorf("%w: %s", ErrSubscriberExists, id)
	}
	c.handlers = append(c.handlers, frameHandler{id: id, fn: fn})
	return nil
}

// RemoveFrameHandler unregisters id.
func (c *Chain) RemoveFrameHandler(id string) error {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	i := slices.IndexFunc(c.handlers, func(h frameHandler) bool { return h.id == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}
	c.handlers = slices.Delete(c.handlers, i, i+1)
	return nil
}

func (c *Chain) deliver(u *unit.Unit, buf *framebuffer.FrameBuffer) {
	c.hmu.RLock()
	handlers := slices.Clone(c.handlers)
	c.hmu.RUnlock()
	for _, h := range handlers {
		h.fn(c, u, buf)
	}
}
