package chain

import (
	"errors"
	"testing"

	"github.com/ashuang/camunits-sub002/control"
	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
)

var rgb2x2 = framebuffer.MustFormat(framebuffer.PixelFormatRGB, "", 2, 2, 0)

var knownPixels = []byte{
	255, 0, 0, 0, 255, 0,
	0, 0, 255, 255, 255, 255,
}

// queueSource emits the queued payloads one per Process call, then nothing.
type queueSource struct {
	format  framebuffer.Format
	queue   [][]byte
	initErr error
}

func (s *queueSource) Setup(u *unit.Unit) error {
	u.AddOutputFormat(s.format)
	return nil
}

func (s *queueSource) StreamInit(*unit.Unit, framebuffer.Format) error { return s.initErr }
func (s *queueSource) StreamShutdown(*unit.Unit) error                 { return nil }

func (s *queueSource) Process(u *unit.Unit, _ *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	if len(s.queue) == 0 {
		return nil, nil
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	f, _ := u.OutputFormat()
	fb := framebuffer.New(f.MaxDataSize)
	n := copy(fb.Data, p)
	_ = fb.SetBytesUsed(n)
	return fb, nil
}

// passthrough forwards its input, optionally faulting or refusing init.
type passthrough struct {
	accept      []framebuffer.PixelFormat
	initErr     error
	processErr  error
	shutdownErr error
	seen        [][]byte
}

func (p *passthrough) Setup(u *unit.Unit) error {
	u.SetInputRequirement(&unit.Requirement{PixelFormats: p.accept})
	return nil
}

func (p *passthrough) InputFormatChanged(u *unit.Unit, in *framebuffer.Format) {
	_ = u.RemoveAllOutputFormats()
	if in != nil {
		u.AddOutputFormat(*in)
	}
}

func (p *passthrough) StreamInit(*unit.Unit, framebuffer.Format) error { return p.initErr }
func (p *passthrough) StreamShutdown(*unit.Unit) error                 { return p.shutdownErr }

func (p *passthrough) Process(_ *unit.Unit, in *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	if p.processErr != nil {
		return nil, p.processErr
	}
	p.seen = append(p.seen, append([]byte(nil), in.Bytes()...))
	return in.Ref(), nil
}

// switchable offers one of two formats depending on its "mode" control.
type switchable struct{}

var gray2x2 = framebuffer.MustFormat(framebuffer.PixelFormatGray, "", 2, 2, 0)

func (switchable) Setup(u *unit.Unit) error {
	u.AddOutputFormat(rgb2x2)
	c, err := control.NewEnum("mode", "Mode", 0, control.EnumNames("rgb", "gray"))
	if err != nil {
		return err
	}
	c.OnValueChanged(func(c *control.Control) {
		f := rgb2x2
		if c.String() == "gray" {
			f = gray2x2
		}
		u.SetPreferredFormat(unit.Preference{PixelFormat: f.PixelFormat})
		if len(u.OutputFormats()) < 2 {
			u.AddOutputFormat(gray2x2)
		}
	})
	return u.AddControl(c)
}

func (switchable) StreamInit(*unit.Unit, framebuffer.Format) error { return nil }
func (switchable) StreamShutdown(*unit.Unit) error                 { return nil }
func (switchable) Process(*unit.Unit, *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	return nil, nil
}

func mustUnit(t *testing.T, id string, h unit.Handler) *unit.Unit {
	t.Helper()
	u, err := unit.New(id, id, h)
	if err != nil {
		t.Fatalf("unit.New(%s): %v", id, err)
	}
	return u
}

func mustAppend(t *testing.T, c *Chain, units ...*unit.Unit) {
	t.Helper()
	for _, u := range units {
		if err := c.AppendUnit(u); err != nil {
			t.Fatalf("AppendUnit(%s): %v", u.ID(), err)
		}
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	err := errors.Join(
		r.Register("test.rgb_source", "test", "Fixed RGB source", func() (unit.Handler, error) {
			return &queueSource{format: rgb2x2, queue: [][]byte{knownPixels}}, nil
		}),
		r.Register("filter.passthrough", "filter", "Passthrough", func() (unit.Handler, error) {
			return &passthrough{}, nil
		}),
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}
