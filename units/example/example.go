// Package example provides input.example, a synthetic timer-driven RGB
// source: every frame is black with a white band that grows one row per
// frame.
package example

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/ashuang/camunits-sub002/control"
	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
)

const ID = "input.example"

// Metadata keys attached to every frame.
const (
	MetaTraceID  = "trace_id"
	MetaSequence = "sequence"
)

var fpsOptions = []int{1, 5, 15, 30}

var formats = []framebuffer.Format{
	framebuffer.MustFormat(framebuffer.PixelFormatRGB, "640x480 RGB", 640, 480, 0),
	framebuffer.MustFormat(framebuffer.PixelFormatRGB, "320x240 RGB", 320, 240, 0),
}

// Driver returns the driver registering input.example. A nil clock uses the
// wall clock.
func Driver(clk clock.Clock) registry.Driver {
	if clk == nil {
		clk = clock.WallClock
	}
	return registry.Driver{
		Name: "example",
		Units: []registry.Entry{{
			ID:      ID,
			Package: "input",
			Name:    "Example Input",
			Factory: func() (unit.Handler, error) { return &Source{clock: clk}, nil },
		}},
	}
}

// Source is the input.example handler.
type Source struct {
	clock clock.Clock

	mu     sync.Mutex
	fps    int
	next   time.Time
	row    int
	seq    uint64
	step   int
	invert bool
}

func (s *Source) Setup(u *unit.Unit) error {
	s.fps = fpsOptions[0]
	s.step = 1

	fps, err := control.NewEnum("fps", "Frame rate", 0, control.EnumNames("1", "5", "15", "30"))
	if err != nil {
		return err
	}
	step, err := control.NewInt("row_step", "Rows per frame", 1, 64, 1, 1)
	if err != nil {
		return err
	}
	invert, err := control.NewBool("invert", "Invert", false)
	if err != nil {
		return err
	}
	for _, c := range []*control.Control{fps, step, invert} {
		if err := u.AddControl(c); err != nil {
			return err
		}
	}
	for _, f := range formats {
		u.AddOutputFormat(f)
	}
	return nil
}

func (s *Source) TrySetControl(u *unit.Unit, c *control.Control, proposed any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c.Name() {
	case "fps":
		s.fps = fpsOptions[proposed.(int)]
		s.next = s.clock.Now()
	case "row_step":
		s.step = proposed.(int)
	case "invert":
		s.invert = proposed.(bool)
	}
	return proposed, nil
}

func (s *Source) StreamInit(u *unit.Unit, f framebuffer.Format) error {
	if f.PixelFormat != framebuffer.PixelFormatRGB {
		return fmt.Errorf("example: unsupported format %s", f)
	}
	s.mu.Lock()
	s.next = s.clock.Now()
	s.row = 0
	s.seq = 0
	s.mu.Unlock()
	return nil
}

func (s *Source) StreamShutdown(*unit.Unit) error { return nil }

func (s *Source) NextEventTime(*unit.Unit) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Source) Process(u *unit.Unit, _ *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	f, _ := u.OutputFormat()
	now := s.clock.Now()

	s.mu.Lock()
	if now.Before(s.next) {
		s.mu.Unlock()
		return nil, nil
	}
	period := time.Second / time.Duration(s.fps)
	s.next = s.next.Add(period)
	if !s.next.After(now) {
		// Fell behind; do not burst to catch up.
		s.next = now.Add(period)
	}
	row, invert := s.row, s.invert
	s.row = (s.row + s.step) % f.Height
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	buf := framebuffer.New(f.MaxDataSize)
	bg, fg := byte(0), byte(255)
	if invert {
		bg, fg = fg, bg
	}
	white := row * f.RowStride
	for i := range buf.Data {
		if i < white {
			buf.Data[i] = fg
		} else {
			buf.Data[i] = bg
		}
	}
	if err := buf.SetBytesUsed(f.Height * f.RowStride); err != nil {
		buf.Release()
		return nil, err
	}
	buf.Timestamp = now
	buf.SetMetadata(MetaTraceID, []byte(uuid.NewString()))
	buf.SetMetadata(MetaSequence, []byte(fmt.Sprint(seq)))
	return buf, nil
}
