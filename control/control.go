// Package control implements typed, bounded unit parameters.
//
// A Control's value is always inside its bounds. Out-of-range or wrongly
// typed values are rejected with *InvalidValueError and never clamped.
package control

import (
	"fmt"
	"math"
	"sync"
)

// Type is the value type of a Control.
type Type int

const (
	Int Type = iota + 1
	Float
	Boolean
	Enum
	String
)

func (t Type) String() string {
	switch t {
	case Int:
		return "int"
	case Float:
		return "float"
	case Boolean:
		return "boolean"
	case Enum:
		return "enum"
	case String:
		return "string"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// EnumValue is one entry of an enum control. The control value is the entry index.
type EnumValue struct {
	Name    string
	Enabled bool
}

// TrySetFunc lets the owning unit veto or adjust a proposed value. It runs
// without the control lock held. Returning an error rejects the value;
// otherwise the returned value (which must still satisfy the bounds) is stored.
type TrySetFunc func(c *Control, proposed any) (any, error)

// Listener is notified after a change, outside the control lock.
type Listener func(c *Control)

// Control is a named, typed, bounded parameter owned by a unit.
//
// Thread-safety: all methods are safe for concurrent use.
type Control struct {
	mu sync.Mutex

	name  string
	label string
	typ   Type

	enabled bool

	imin, imax, istep int
	fmin, fmax, fstep float64
	entries           []EnumValue

	value any
	def   any

	trySet          TrySetFunc
	valueListeners  []Listener
	paramsListeners []Listener
}

// NewInt creates an integer control with bounds [min, max] and step.
// A step <= 1 accepts every integer in range.
func NewInt(name, label string, min, max, step, def int) (*Control, error) {
	if min > max {
		return nil, fmt.Errorf("%w: %s min %d > max %d", ErrInvalidDefinition, name, min, max)
	}
	c := &Control{name: name, label: label, typ: Int, enabled: true, imin: min, imax: max, istep: step}
	if err := c.validate(def); err != nil {
		return nil, fmt.Errorf("%w: default: %v", ErrInvalidDefinition, err)
	}
	c.value, c.def = def, def
	return c, nil
}

// NewFloat creates a float control with bounds [min, max]. A zero step is
// continuous.
func NewFloat(name, label string, min, max, step, def float64) (*Control, error) {
	if !(min <= max) {
		return nil, fmt.Errorf("%w: %s min %g > max %g", ErrInvalidDefinition, name, min, max)
	}
	c := &Control{name: name, label: label, typ: Float, enabled: true, fmin: min, fmax: max, fstep: step}
	if err := c.validate(def); err != nil {
		return nil, fmt.Errorf("%w: default: %v", ErrInvalidDefinition, err)
	}
	c.value, c.def = def, def
	return c, nil
}

// NewBool creates a boolean control.
func NewBool(name, label string, def bool) (*Control, error) {
	return &Control{name: name, label: label, typ: Boolean, enabled: true, value: def, def: def}, nil
}

// NewString creates a free-form string control.
func NewString(name, label, def string) (*Control, error) {
	return &Control{name: name, label: label, typ: String, enabled: true, value: def, def: def}, nil
}

// NewEnum creates an enum control. def is an entry index and must be enabled.
func NewEnum(name, label string, def int, entries []EnumValue) (*Control, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s has no entries", ErrInvalidDefinition, name)
	}
	c := &Control{name: name, label: label, typ: Enum, enabled: true, entries: append([]EnumValue(nil), entries...)}
	if err := c.validate(def); err != nil {
		return nil, fmt.Errorf("%w: default: %v", ErrInvalidDefinition, err)
	}
	c.value, c.def = def, def
	return c, nil
}

// EnumNames builds enabled entries from names.
func EnumNames(names ...string) []EnumValue {
	out := make([]EnumValue, len(names))
	for i, n := range names {
		out[i] = EnumValue{Name: n, Enabled: true}
	}
	return out
}

func (c *Control) Name() string  { return c.name }
func (c *Control) Label() string { return c.label }
func (c *Control) Type() Type    { return c.typ }

// Enabled reports whether the control accepts new values.
func (c *Control) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Value returns the current value as int, float64, bool or string.
func (c *Control) Value() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Default returns the default value.
func (c *Control) Default() any { return c.def }

// Int returns the value of an Int or Enum control.
func (c *Control) Int() int {
	v, _ := c.Value().(int)
	return v
}

// Float returns the value of a Float control.
func (c *Control) Float() float64 {
	v, _ := c.Value().(float64)
	return v
}

// Bool returns the value of a Boolean control.
func (c *Control) Bool() bool {
	v, _ := c.Value().(bool)
	return v
}

// String returns the value of a String control, or the selected entry
// name of an Enum control.
func (c *Control) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch v := c.value.(type) {
	case string:
		return v
	case int:
		if c.typ == Enum {
			return c.entries[v].Name
		}
	}
	return fmt.Sprint(c.value)
}

// IntRange returns min, max and step of an Int control.
func (c *Control) IntRange() (min, max, step int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.imin, c.imax, c.istep
}

// FloatRange returns min, max and step of a Float control.
func (c *Control) FloatRange() (min, max, step float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fmin, c.fmax, c.fstep
}

// Entries returns a copy of the enum entries.
func (c *Control) Entries() []EnumValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]EnumValue(nil), c.entries...)
}

// SetTrySet installs the owner veto hook.
func (c *Control) SetTrySet(fn TrySetFunc) {
	c.mu.Lock()
	c.trySet = fn
	c.mu.Unlock()
}

// OnValueChanged registers fn for accepted value changes.
func (c *Control) OnValueChanged(fn Listener) {
	c.mu.Lock()
	c.valueListeners = append(c.valueListeners, fn)
	c.mu.Unlock()
}

// OnParamsChanged registers fn for bound/enabled changes.
func (c *Control) OnParamsChanged(fn Listener) {
	c.mu.Lock()
	c.paramsListeners = append(c.paramsListeners, fn)
	c.mu.Unlock()
}

// Set proposes a new value.
//
// Coercion:
//   - Int accepts any integer type, or a float with no fractional part.
//   - Float accepts any numeric type.
//   - Enum accepts an entry index or an entry name.
//   - Boolean and String require their exact type.
//
// The proposal passes through the owner's TrySetFunc, if any. On error the
// control is unchanged.
func (c *Control) Set(v any) error {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisabled, c.name)
	}
	proposed, err := c.coerce(v)
	if err == nil {
		err = c.validate(proposed)
	}
	trySet := c.trySet
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if trySet != nil {
		actual, err := trySet(c, proposed)
		if err != nil {
			return &InvalidValueError{Control: c.name, Value: v, Reason: err.Error()}
		}
		proposed = actual
	}

	c.mu.Lock()
	if err := c.validate(proposed); err != nil {
		c.mu.Unlock()
		return err
	}
	changed := c.value != proposed
	c.value = proposed
	listeners := append([]Listener(nil), c.valueListeners...)
	c.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(c)
		}
	}
	return nil
}

// SetInt is Set for Int and Enum controls.
func (c *Control) SetInt(v int) error { return c.Set(v) }

// SetFloat is Set for Float controls.
func (c *Control) SetFloat(v float64) error { return c.Set(v) }

// SetBool is Set for Boolean controls.
func (c *Control) SetBool(v bool) error { return c.Set(v) }

// SetString is Set for String controls, and selects an Enum entry by name.
func (c *Control) SetString(v string) error { return c.Set(v) }

// Reset restores the default value.
func (c *Control) Reset() error { return c.Set(c.def) }

// ForceValue stores v bypassing the TrySetFunc. Drivers use it to report
// values read back from hardware. Bounds still apply.
func (c *Control) ForceValue(v any) error {
	c.mu.Lock()
	proposed, err := c.coerce(v)
	if err == nil {
		err = c.validate(proposed)
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}
	changed := c.value != proposed
	c.value = proposed
	listeners := append([]Listener(nil), c.valueListeners...)
	c.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(c)
		}
	}
	return nil
}

// SetEnabled enables or disables the control.
func (c *Control) SetEnabled(enabled bool) {
	c.mu.Lock()
	changed := c.enabled != enabled
	c.enabled = enabled
	c.mu.Unlock()
	if changed {
		c.paramsChanged()
	}
}

// ModifyInt changes the bounds of an Int control. The current value must
// remain valid under the new bounds.
func (c *Control) ModifyInt(min, max, step int, enabled bool) error {
	c.mu.Lock()
	if c.typ != Int || min > max {
		c.mu.Unlock()
		return fmt.Errorf("%w: ModifyInt on %s", ErrInvalidDefinition, c.name)
	}
	old := [3]int{c.imin, c.imax, c.istep}
	c.imin, c.imax, c.istep = min, max, step
	if err := c.validate(c.value); err != nil {
		c.imin, c.imax, c.istep = old[0], old[1], old[2]
		c.mu.Unlock()
		return fmt.Errorf("%w: current value outside new bounds", ErrInvalidDefinition)
	}
	c.enabled = enabled
	c.mu.Unlock()
	c.paramsChanged()
	return nil
}

// ModifyFloat changes the bounds of a Float control.
func (c *Control) ModifyFloat(min, max, step float64, enabled bool) error {
	c.mu.Lock()
	if c.typ != Float || !(min <= max) {
		c.mu.Unlock()
		return fmt.Errorf("%w: ModifyFloat on %s", ErrInvalidDefinition, c.name)
	}
	oldMin, oldMax, oldStep := c.fmin, c.fmax, c.fstep
	c.fmin, c.fmax, c.fstep = min, max, step
	if err := c.validate(c.value); err != nil {
		c.fmin, c.fmax, c.fstep = oldMin, oldMax, oldStep
		c.mu.Unlock()
		return fmt.Errorf("%w: current value outside new bounds", ErrInvalidDefinition)
	}
	c.enabled = enabled
	c.mu.Unlock()
	c.paramsChanged()
	return nil
}

// ModifyEnum replaces the entries of an Enum control. The current entry
// must stay valid and enabled.
func (c *Control) ModifyEnum(entries []EnumValue, enabled bool) error {
	c.mu.Lock()
	if c.typ != Enum || len(entries) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: ModifyEnum on %s", ErrInvalidDefinition, c.name)
	}
	old := c.entries
	c.entries = append([]EnumValue(nil), entries...)
	if err := c.validate(c.value); err != nil {
		c.entries = old
		c.mu.Unlock()
		return fmt.Errorf("%w: current entry invalid after modify", ErrInvalidDefinition)
	}
	c.enabled = enabled
	c.mu.Unlock()
	c.paramsChanged()
	return nil
}

func (c *Control) paramsChanged() {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.paramsListeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(c)
	}
}

// coerce converts v to the control's canonical Go type. Caller holds mu.
func (c *Control) coerce(v any) (any, error) {
	bad := func(reason string) error {
		return &InvalidValueError{Control: c.name, Value: v, Reason: reason}
	}
	switch c.typ {
	case Int:
		n, ok := toInt(v)
		if !ok {
			return nil, bad("not an integer")
		}
		return n, nil
	case Float:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		}
		if n, ok := toInt(v); ok {
			return float64(n), nil
		}
		return nil, bad("not a number")
	case Boolean:
		b, ok := v.(bool)
		if !ok {
			return nil, bad("not a boolean")
		}
		return b, nil
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, bad("not a string")
		}
		return s, nil
	case Enum:
		if s, ok := v.(string); ok {
			for i, e := range c.entries {
				if e.Name == s {
					return i, nil
				}
			}
			return nil, bad("no such entry")
		}
		n, ok := toInt(v)
		if !ok {
			return nil, bad("not an entry index or name")
		}
		return n, nil
	}
	return nil, bad("unknown control type")
}

// validate checks an already coerced value against the bounds. Caller holds mu.
func (c *Control) validate(v any) error {
	bad := func(reason string) error {
		return &InvalidValueError{Control: c.name, Value: v, Reason: reason}
	}
	switch c.typ {
	case Int:
		n, ok := v.(int)
		if !ok {
			return bad("not an integer")
		}
		if n < c.imin || n > c.imax {
			return bad(fmt.Sprintf("outside [%d, %d]", c.imin, c.imax))
		}
		if c.istep > 1 && (n-c.imin)%c.istep != 0 {
			return bad(fmt.Sprintf("not a multiple of step %d from %d", c.istep, c.imin))
		}
	case Float:
		f, ok := v.(float64)
		if !ok {
			return bad("not a float")
		}
		if math.IsNaN(f) || f < c.fmin || f > c.fmax {
			return bad(fmt.Sprintf("outside [%g, %g]", c.fmin, c.fmax))
		}
	case Enum:
		n, ok := v.(int)
		if !ok {
			return bad("not an entry index")
		}
		if n < 0 || n >= len(c.entries) {
			return bad(fmt.Sprintf("index outside [0, %d)", len(c.entries)))
		}
		if !c.entries[n].Enabled {
			return bad("entry disabled")
		}
	case Boolean:
		if _, ok := v.(bool); !ok {
			return bad("not a boolean")
		}
	case String:
		if _, ok := v.(string); !ok {
			return bad("not a string")
		}
	}
	return nil
}

// toInt converts integral values of any numeric type. Values that do not
// fit in an int are not integral for this purpose and report false.
func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int8:
		return int(x), true
	case int16:
		return int(x), true
	case int32:
		return int(x), true
	case int64:
		if x < math.MinInt || x > math.MaxInt {
			return 0, false
		}
		return int(x), true
	case uint:
		if x > math.MaxInt {
			return 0, false
		}
		return int(x), true
	case uint8:
		return int(x), true
	case uint16:
		return int(x), true
	case uint32:
		if uint64(x) > math.MaxInt {
			return 0, false
		}
		return int(x), true
	case uint64:
		if x > math.MaxInt {
			return 0, false
		}
		return int(x), true
	case float64:
		return floatToInt(x)
	case float32:
		return floatToInt(float64(x))
	}
	return 0, false
}

// floatToInt accepts whole floats inside the int range. float64(MaxInt)
// rounds up to a power of two, hence the strict upper bound.
func floatToInt(x float64) (int, bool) {
	if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
		return 0, false
	}
	if x < math.MinInt || x >= math.MaxInt {
		return 0, false
	}
	return int(x), true
}
