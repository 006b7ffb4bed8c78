package chainconfig

import (
	"fmt"
	"slices"

	"github.com/ashuang/camunits-sub002/chain"
	"github.com/ashuang/camunits-sub002/control"
	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/unit"
)

// Build appends the configured units to c in order, applying each unit's
// format preference and then its controls in name order. It stops at the
// first failure; units added before it stay in the chain.
func Build(c *chain.Chain, units []UnitConfig) error {
	for i, uc := range units {
		u, err := c.AddUnitByID(uc.ID)
		if err != nil {
			return fmt.Errorf("chainconfig: chain[%d]: %w", i, err)
		}
		if err := Apply(u, uc); err != nil {
			return fmt.Errorf("chainconfig: chain[%d]: %w", i, err)
		}
	}
	return nil
}

// Apply sets u's format preference and controls from uc.
func Apply(u *unit.Unit, uc UnitConfig) error {
	if f := uc.Format; f != nil {
		p := unit.Preference{Name: f.Name, Width: f.Width, Height: f.Height}
		if f.PixelFormat != "" {
			pf, err := framebuffer.ParsePixelFormat(f.PixelFormat)
			if err != nil {
				return fmt.Errorf("%s: %w", uc.ID, err)
			}
			p.PixelFormat = pf
		}
		u.SetPreferredFormat(p)
	}

	names := make([]string, 0, len(uc.Controls))
	for name := range uc.Controls {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := u.SetControl(name, uc.Controls[name]); err != nil {
			return fmt.Errorf("%s: control %s: %w", uc.ID, name, err)
		}
	}
	return nil
}

// Snapshot describes c's units, selected formats and control values so
// that Build on an empty chain recreates it.
func Snapshot(c *chain.Chain) []UnitConfig {
	var out []UnitConfig
	for _, u := range c.Units() {
		uc := UnitConfig{ID: u.ID()}
		if f, ok := u.OutputFormat(); ok && len(u.OutputFormats()) > 1 {
			uc.Format = &FormatConfig{Name: f.Name}
		}
		for _, ctl := range u.Controls() {
			if !ctl.Enabled() {
				continue
			}
			if uc.Controls == nil {
				uc.Controls = make(map[string]any)
			}
			uc.Controls[ctl.Name()] = controlValue(ctl)
		}
		out = append(out, uc)
	}
	return out
}

// controlValue returns a YAML friendly value: enums by entry name.
func controlValue(c *control.Control) any {
	if c.Type() == control.Enum {
		return c.String()
	}
	return c.Value()
}
