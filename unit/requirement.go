package unit

import (
	"fmt"
	"slices"

	"github.com/ashuang/camunits-sub002/framebuffer"
)

// Requirement is what a unit accepts as input. Zero fields match anything.
type Requirement struct {
	PixelFormats []framebuffer.PixelFormat
	Width        int
	Height       int
}

// AnyInput accepts every format.
var AnyInput = &Requirement{}

// Accepts returns nil when f satisfies r.
func (r *Requirement) Accepts(f framebuffer.Format) error {
	if f.IsZero() {
		return fmt.Errorf("%w: no input format", ErrInputRequired)
	}
	if len(r.PixelFormats) > 0 &&
		!slices.Contains(r.PixelFormats, framebuffer.PixelFormatAny) &&
		!slices.Contains(r.PixelFormats, f.PixelFormat) {
		return fmt.Errorf("%w: pixel format %s not in %v", ErrInputRequired, f.PixelFormat, r.PixelFormats)
	}
	if r.Width > 0 && r.Width != f.Width {
		return fmt.Errorf("%w: width %d, need %d", ErrInputRequired, f.Width, r.Width)
	}
	if r.Height > 0 && r.Height != f.Height {
		return fmt.Errorf("%w: height %d, need %d", ErrInputRequired, f.Height, r.Height)
	}
	return nil
}

// Preference biases output format selection. Zero fields are ignored.
type Preference struct {
	PixelFormat framebuffer.PixelFormat
	Width       int
	Height      int
	Name        string
}

// score ranks f against p. Pixel format outweighs geometry; a name match
// outweighs everything so restored chain descriptions pick the exact format.
func (p Preference) score(f framebuffer.Format) int {
	s := 0
	if p.PixelFormat != framebuffer.PixelFormatInvalid && p.PixelFormat == f.PixelFormat {
		s += 3
	}
	if p.Width > 0 && p.Width == f.Width {
		s++
	}
	if p.Height > 0 && p.Height == f.Height {
		s++
	}
	if p.Name != "" && p.Name == f.Name {
		s += 6
	}
	return s
}

// bestFormat returns the highest scoring format; ties go to the earliest.
func bestFormat(formats []framebuffer.Format, p Preference) (framebuffer.Format, bool) {
	if len(formats) == 0 {
		return framebuffer.Format{}, false
	}
	best, bestScore := formats[0], p.score(formats[0])
	for _, f := range formats[1:] {
		if s := p.score(f); s > bestScore {
			best, bestScore = f, s
		}
	}
	return best, true
}
