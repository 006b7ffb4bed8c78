// Package snapshot provides output.snapshot, which writes every Nth frame
// to a directory as PNG or JPEG and forwards the frame unchanged.
package snapshot

import (
	"fmt"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashuang/camunits-sub002/control"
	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
	"github.com/ashuang/camunits-sub002/units/internal/imageconv"
)

const ID = "output.snapshot"

var encodings = []string{"png", "jpeg"}

func Driver() registry.Driver {
	return registry.Driver{
		Name: "snapshot",
		Units: []registry.Entry{{
			ID:      ID,
			Package: "output",
			Name:    "Snapshot",
			Factory: func() (unit.Handler, error) { return &Saver{}, nil },
		}},
	}
}

// Saver is the output.snapshot handler.
//
// Controls:
//   - directory: output directory, created on StreamInit
//   - every: save one frame out of N
//   - encoding: png or jpeg (MJPEG input is always written as-is)
//   - quality: JPEG quality
type Saver struct {
	mu       sync.Mutex
	dir      string
	every    int
	encoding string
	quality  int

	in    framebuffer.Format
	count uint64

	saved   atomic.Uint64
	dropped atomic.Uint64
}

func (s *Saver) Setup(u *unit.Unit) error {
	s.dir, s.every, s.encoding, s.quality = "snapshots", 1, "png", 90
	u.SetInputRequirement(&unit.Requirement{PixelFormats: []framebuffer.PixelFormat{
		framebuffer.PixelFormatGray,
		framebuffer.PixelFormatRGB,
		framebuffer.PixelFormatBGR,
		framebuffer.PixelFormatRGBA,
		framebuffer.PixelFormatBGRA,
		framebuffer.PixelFormatMJPEG,
	}})

	dir, err := control.NewString("directory", "Directory", s.dir)
	if err != nil {
		return err
	}
	every, err := control.NewInt("every", "Save every Nth frame", 1, 10000, 1, s.every)
	if err != nil {
		return err
	}
	enc, err := control.NewEnum("encoding", "Encoding", 0, control.EnumNames(encodings...))
	if err != nil {
		return err
	}
	q, err := control.NewInt("quality", "JPEG quality", 1, 100, 1, s.quality)
	if err != nil {
		return err
	}
	for _, c := range []*control.Control{dir, every, enc, q} {
		if err := u.AddControl(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Saver) TrySetControl(_ *unit.Unit, c *control.Control, proposed any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c.Name() {
	case "directory":
		if proposed.(string) == "" {
			return nil, fmt.Errorf("snapshot: empty directory")
		}
		s.dir = proposed.(string)
	case "every":
		s.every = proposed.(int)
	case "encoding":
		s.encoding = encodings[proposed.(int)]
	case "quality":
		s.quality = proposed.(int)
	}
	return proposed, nil
}

func (s *Saver) InputFormatChanged(u *unit.Unit, in *framebuffer.Format) {
	_ = u.RemoveAllOutputFormats()
	if in != nil {
		u.AddOutputFormat(*in)
	}
}

func (s *Saver) StreamInit(u *unit.Unit, _ framebuffer.Format) error {
	in, ok := u.InputFormat()
	if !ok {
		return unit.ErrInputRequired
	}
	s.mu.Lock()
	dir := s.dir
	s.mu.Unlock()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("snapshot: create output directory: %w", err)
	}
	s.in = in
	s.count = 0
	return nil
}

func (s *Saver) StreamShutdown(u *unit.Unit) error {
	u.Logger().Info("snapshot: stopped", "saved", s.saved.Load(), "dropped", s.dropped.Load())
	return nil
}

// Process never fails because of the disk: a frame that cannot be written
// is counted as dropped and forwarded anyway.
func (s *Saver) Process(u *unit.Unit, in *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	s.count++
	s.mu.Lock()
	every := s.every
	s.mu.Unlock()
	if (s.count-1)%uint64(every) == 0 {
		if err := s.save(in); err != nil {
			s.dropped.Add(1)
			u.Logger().Warn("snapshot: frame not saved", "error", err)
		} else {
			s.saved.Add(1)
		}
	}
	return in.Ref(), nil
}

// save writes frame_{seq:06d}_{timestamp}.{ext}.
func (s *Saver) save(in *framebuffer.FrameBuffer) error {
	s.mu.Lock()
	dir, encoding, quality := s.dir, s.encoding, s.quality
	s.mu.Unlock()

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ext := encoding
	if s.in.PixelFormat == framebuffer.PixelFormatMJPEG {
		ext = "jpeg"
	}
	name := fmt.Sprintf("frame_%06d_%s.%s", s.count, ts.Format("20060102_150405.000"), ext)

	file, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("snapshot: create file: %w", err)
	}
	defer file.Close()

	if s.in.PixelFormat == framebuffer.PixelFormatMJPEG {
		_, err := file.Write(in.Bytes())
		return err
	}
	img, err := imageconv.ToImage(in, s.in)
	if err != nil {
		return err
	}
	switch encoding {
	case "jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: quality})
	default:
		err = png.Encode(file, img)
	}
	if err != nil {
		return fmt.Errorf("snapshot: %s encode: %w", encoding, err)
	}
	return nil
}

// Stats returns how many frames were written and how many failed.
func (s *Saver) Stats() (saved, dropped uint64) {
	return s.saved.Load(), s.dropped.Load()
}
