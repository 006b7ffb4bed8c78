// Package filter provides filter.identity, which forwards every frame
// unchanged by sharing the buffer.
package filter

import (
	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
)

const IdentityID = "filter.identity"

func Driver() registry.Driver {
	return registry.Driver{
		Name: "filter",
		Units: []registry.Entry{{
			ID:      IdentityID,
			Package: "filter",
			Name:    "Identity",
			Factory: func() (unit.Handler, error) { return Identity{}, nil },
		}},
	}
}

// Identity offers its input format as its only output.
type Identity struct{}

func (Identity) Setup(u *unit.Unit) error {
	u.SetInputRequirement(unit.AnyInput)
	return nil
}

func (Identity) InputFormatChanged(u *unit.Unit, in *framebuffer.Format) {
	_ = u.RemoveAllOutputFormats()
	if in != nil {
		u.AddOutputFormat(*in)
	}
}

func (Identity) StreamInit(*unit.Unit, framebuffer.Format) error { return nil }
func (Identity) StreamShutdown(*unit.Unit) error                 { return nil }

func (Identity) Process(_ *unit.Unit, in *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	return in.Ref(), nil
}
