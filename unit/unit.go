// Package unit implements the processing node of a chain and its lifecycle
// state machine.
//
// A Unit is a concrete struct; unit drivers supply behavior through a
// Handler plus optional capability interfaces (InputFormatHandler,
// ControlHandler, Timer, Waiter).
//
// Lifecycle:
//
//	Idle --StreamInit--> Streaming --StreamShutdown--> Idle
//	Streaming --Process error / Fault--> Faulted --StreamShutdown--> Idle
//
// Thread-safety: units are driven from the chain goroutine. State, format
// and control accessors are safe to call from other goroutines (monitoring,
// control surfaces); listeners run on the goroutine that caused the change.
package unit

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashuang/camunits-sub002/control"
	"github.com/ashuang/camunits-sub002/framebuffer"
)

// State is the lifecycle state of a unit.
type State int

const (
	Idle State = iota
	Streaming
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Streaming:
		return "STREAMING"
	case Faulted:
		return "FAULTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handler is the behavior of a unit driver.
//
// Process buffer ownership:
//   - in is borrowed; the caller releases it after Process returns. A
//     handler that forwards in unchanged must return in.Ref().
//   - The returned buffer carries one reference owned by the caller.
//   - Returning (nil, nil) means no frame, which is not an error.
type Handler interface {
	StreamInit(u *Unit, format framebuffer.Format) error
	StreamShutdown(u *Unit) error
	Process(u *Unit, in *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error)
}

// Setupper is called once by New, before the unit is returned. Drivers
// declare controls, formats and the input requirement here.
type Setupper interface {
	Setup(u *Unit) error
}

// InputFormatHandler recomputes offered formats and controls when the
// upstream format changes. in is nil when there is no upstream format.
type InputFormatHandler interface {
	InputFormatChanged(u *Unit, in *framebuffer.Format)
}

// ControlHandler vetoes or adjusts proposed control values.
type ControlHandler interface {
	TrySetControl(u *Unit, c *control.Control, proposed any) (any, error)
}

// Timer is implemented by units that produce frames on a schedule.
type Timer interface {
	NextEventTime(u *Unit) time.Time
}

// Waiter is implemented by units fed from a background goroutine; the
// channel becomes readable when a frame is pending.
type Waiter interface {
	WaitHandle(u *Unit) <-chan struct{}
}

// Unit is one pipeline stage.
type Unit struct {
	id      string
	name    string
	handler Handler
	logger  *slog.Logger

	mu          sync.RWMutex
	state       State
	input       *Unit
	requirement *Requirement
	formats     []framebuffer.Format
	pref        Preference
	selected    framebuffer.Format // fixed while streaming
	initInput   framebuffer.Format // upstream format at StreamInit
	fault       error
	controls    []*control.Control

	formatListeners []func(u *Unit)
	statusListeners []func(u *Unit, old State)
}

// New builds a unit around h and runs its Setup.
func New(id, name string, h Handler) (*Unit, error) {
	if h == nil {
		return nil, fmt.Errorf("unit: %s: nil handler", id)
	}
	u := &Unit{
		id:      id,
		name:    name,
		handler: h,
		logger:  slog.Default().With("unit", id),
	}
	if s, ok := h.(Setupper); ok {
		if err := s.Setup(u); err != nil {
			return nil, fmt.Errorf("unit: setup %s: %w", id, err)
		}
	}
	return u, nil
}

func (u *Unit) ID() string           { return u.id }
func (u *Unit) Name() string         { return u.name }
func (u *Unit) Handler() Handler     { return u.handler }
func (u *Unit) Logger() *slog.Logger { return u.logger }

func (u *Unit) String() string { return u.id }

// State returns the lifecycle state.
func (u *Unit) State() State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

// Err returns the fault that put the unit in Faulted, if any.
func (u *Unit) Err() error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.fault
}

// IsSource reports whether the unit takes no input.
func (u *Unit) IsSource() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.requirement == nil
}

// InputRequirement returns the declared requirement, nil for sources.
func (u *Unit) InputRequirement() *Requirement {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.requirement
}

// SetInputRequirement declares what the unit accepts. nil makes it a source.
func (u *Unit) SetInputRequirement(r *Requirement) {
	u.mu.Lock()
	u.requirement = r
	u.mu.Unlock()
}

// Input returns the upstream unit.
func (u *Unit) Input() *Unit {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.input
}

// SetInput wires the upstream reference. Refused while streaming.
func (u *Unit) SetInput(in *Unit) error {
	u.mu.Lock()
	if u.state != Idle {
		u.mu.Unlock()
		return fmt.Errorf("%w: set input on %s", ErrStreaming, u.id)
	}
	u.input = in
	u.mu.Unlock()
	return nil
}

// InputFormat returns the upstream unit's selected format.
func (u *Unit) InputFormat() (framebuffer.Format, bool) {
	in := u.Input()
	if in == nil {
		return framebuffer.Format{}, false
	}
	return in.OutputFormat()
}

// StreamInputFormat returns the upstream format in effect at StreamInit.
func (u *Unit) StreamInputFormat() framebuffer.Format {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.initInput
}

// OutputFormats returns the offered formats in declaration order.
func (u *Unit) OutputFormats() []framebuffer.Format {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return slices.Clone(u.formats)
}

// OutputFormat returns the selected format: the one in use while streaming,
// otherwise the one StreamInit would pick.
func (u *Unit) OutputFormat() (framebuffer.Format, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.outputFormatLocked()
}

func (u *Unit) outputFormatLocked() (framebuffer.Format, bool) {
	if u.state != Idle {
		return u.selected, true
	}
	return bestFormat(u.formats, u.pref)
}

// Preference returns the format preference.
func (u *Unit) Preference() Preference {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.pref
}

// SetPreferredFormat biases format selection for the next StreamInit.
func (u *Unit) SetPreferredFormat(p Preference) {
	u.changeFormats(func() error {
		u.pref = p
		return nil
	})
}

// AddOutputFormat offers f.
func (u *Unit) AddOutputFormat(f framebuffer.Format) {
	u.changeFormats(func() error {
		u.formats = append(u.formats, f)
		return nil
	})
}

// RemoveOutputFormat withdraws f. The format in use while streaming cannot
// be removed.
func (u *Unit) RemoveOutputFormat(f framebuffer.Format) error {
	return u.changeFormats(func() error {
		if u.state != Idle && u.selected.Equal(f) {
			return fmt.Errorf("%w: remove active format from %s", ErrStreaming, u.id)
		}
		i := slices.IndexFunc(u.formats, f.Equal)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownFormat, f)
		}
		u.formats = slices.Delete(u.formats, i, i+1)
		return nil
	})
}

// RemoveAllOutputFormats withdraws every format. Refused while streaming.
func (u *Unit) RemoveAllOutputFormats() error {
	return u.changeFormats(func() error {
		if u.state != Idle {
			return fmt.Errorf("%w: remove formats from %s", ErrStreaming, u.id)
		}
		u.formats = nil
		return nil
	})
}

// SetOutputFormats replaces the offered formats. Refused while streaming.
func (u *Unit) SetOutputFormats(formats ...framebuffer.Format) error {
	return u.changeFormats(func() error {
		if u.state != Idle {
			return fmt.Errorf("%w: replace formats on %s", ErrStreaming, u.id)
		}
		u.formats = slices.Clone(formats)
		return nil
	})
}

// changeFormats applies fn under the lock and raises format-changed.
func (u *Unit) changeFormats(fn func() error) error {
	u.mu.Lock()
	if err := fn(); err != nil {
		u.mu.Unlock()
		return err
	}
	listeners := slices.Clone(u.formatListeners)
	u.mu.Unlock()

	for _, l := range listeners {
		l(u)
	}
	return nil
}

// NotifyFormatChanged raises format-changed without modifying the unit.
// Drivers call it when a control mutation alters their output.
func (u *Unit) NotifyFormatChanged() {
	u.changeFormats(func() error { return nil })
}

// OnFormatChanged registers fn for output format changes.
func (u *Unit) OnFormatChanged(fn func(u *Unit)) {
	u.mu.Lock()
	u.formatListeners = append(u.formatListeners, fn)
	u.mu.Unlock()
}

// OnStatusChanged registers fn for lifecycle transitions.
func (u *Unit) OnStatusChanged(fn func(u *Unit, old State)) {
	u.mu.Lock()
	u.statusListeners = append(u.statusListeners, fn)
	u.mu.Unlock()
}

// HandleInputFormatChanged forwards an upstream format change to the
// driver. Ignored while streaming.
func (u *Unit) HandleInputFormatChanged(in *framebuffer.Format) {
	if u.State() != Idle {
		return
	}
	if h, ok := u.handler.(InputFormatHandler); ok {
		h.InputFormatChanged(u, in)
	}
}

func (u *Unit) setState(s State, fault error) {
	u.mu.Lock()
	old := u.state
	u.state = s
	u.fault = fault
	listeners := slices.Clone(u.statusListeners)
	u.mu.Unlock()

	if old == s {
		return
	}
	u.logger.Debug("unit: status changed", "from", old, "to", s)
	for _, l := range listeners {
		l(u, old)
	}
}

// StreamInit selects the best output format and starts the driver.
//
// Semantics:
//   - Streaming: no-op.
//   - Faulted: refused, StreamShutdown first.
//   - Failure: returns *StreamInitError and the unit stays Idle.
func (u *Unit) StreamInit() error {
	u.mu.Lock()
	switch u.state {
	case Streaming:
		u.mu.Unlock()
		return nil
	case Faulted:
		u.mu.Unlock()
		return &StreamInitError{UnitID: u.id, Err: ErrFaulted}
	}
	f, ok := bestFormat(u.formats, u.pref)
	u.mu.Unlock()
	if !ok {
		return &StreamInitError{UnitID: u.id, Err: ErrNoOutputFormat}
	}

	var inFmt framebuffer.Format
	if req := u.InputRequirement(); req != nil {
		in, _ := u.InputFormat()
		if err := req.Accepts(in); err != nil {
			return &StreamInitError{UnitID: u.id, Err: err}
		}
		inFmt = in
	}

	if err := u.handler.StreamInit(u, f); err != nil {
		u.logger.Warn("unit: stream init failed", "format", f.Name, "error", err)
		return &StreamInitError{UnitID: u.id, Err: err}
	}

	u.mu.Lock()
	u.selected = f
	u.initInput = inFmt
	u.mu.Unlock()
	u.setState(Streaming, nil)
	return nil
}

// Process runs one frame through the driver.
//
// Sources receive nil. A transform given nil returns (nil, nil) without
// invoking the driver. A driver error faults the unit and is returned as
// *FaultError.
func (u *Unit) Process(in *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	u.mu.RLock()
	state, source := u.state, u.requirement == nil
	u.mu.RUnlock()

	if state != Streaming {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotStreaming, u.id, state)
	}
	if in == nil && !source {
		return nil, nil
	}

	out, err := u.handler.Process(u, in)
	if err != nil {
		if out != nil {
			out.Release()
		}
		u.Fault(err)
		return nil, &FaultError{UnitID: u.id, Err: err}
	}
	return out, nil
}

// Fault moves a streaming unit to Faulted. It runs the status listeners,
// and with them the chain, on the calling goroutine, so it must only be
// called from the chain goroutine. Background goroutines record their error
// (mailbox.Slot.Fail, an atomic) and return it from the next Process.
func (u *Unit) Fault(err error) {
	if u.State() != Streaming {
		return
	}
	u.logger.Error("unit: faulted", "error", err)
	u.setState(Faulted, err)
}

// StreamShutdown releases driver resources. It always leaves the unit Idle;
// the returned error is informational.
func (u *Unit) StreamShutdown() error {
	if u.State() == Idle {
		return nil
	}
	err := u.handler.StreamShutdown(u)
	if err != nil {
		u.logger.Warn("unit: stream shutdown error", "error", err)
		err = fmt.Errorf("unit: shutdown %s: %w", u.id, err)
	}

	u.mu.Lock()
	u.selected = framebuffer.Format{}
	u.initInput = framebuffer.Format{}
	u.mu.Unlock()
	u.setState(Idle, nil)
	return err
}

// NextEventTime returns when a timer-driven unit expects its next frame,
// or the zero time.
func (u *Unit) NextEventTime() time.Time {
	if t, ok := u.handler.(Timer); ok && u.State() == Streaming {
		return t.NextEventTime(u)
	}
	return time.Time{}
}

// WaitHandle returns the readiness channel of an asynchronous unit, or nil.
func (u *Unit) WaitHandle() <-chan struct{} {
	if w, ok := u.handler.(Waiter); ok {
		return w.WaitHandle(u)
	}
	return nil
}

// AddControl attaches c. Names are unique within a unit.
func (u *Unit) AddControl(c *control.Control) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if slices.ContainsFunc(u.controls, func(o *control.Control) bool { return o.Name() == c.Name() }) {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateControl, u.id, c.Name())
	}
	if h, ok := u.handler.(ControlHandler); ok {
		c.SetTrySet(func(c *control.Control, proposed any) (any, error) {
			return h.TrySetControl(u, c, proposed)
		})
	}
	u.controls = append(u.controls, c)
	return nil
}

// RemoveControl detaches the named control.
func (u *Unit) RemoveControl(name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	i := slices.IndexFunc(u.controls, func(c *control.Control) bool { return c.Name() == name })
	if i < 0 {
		return fmt.Errorf("%w: %s.%s", ErrNoSuchControl, u.id, name)
	}
	u.controls = slices.Delete(u.controls, i, i+1)
	return nil
}

// Controls returns the controls in the order they were added.
func (u *Unit) Controls() []*control.Control {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return slices.Clone(u.controls)
}

// Control looks up a control by name.
func (u *Unit) Control(name string) (*control.Control, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, c := range u.controls {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// SetControl sets the named control's value.
func (u *Unit) SetControl(name string, v any) error {
	c, ok := u.Control(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrNoSuchControl, u.id, name)
	}
	return c.Set(v)
}

// IsFault reports whether err came from a faulting unit.
func IsFault(err error) bool { return errors.Is(err, ErrFaulted) }
