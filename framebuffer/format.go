package framebuffer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFormat is returned by NewFormat for impossible geometry.
	ErrInvalidFormat = errors.New("framebuffer: invalid format")
)

// Format describes the frames a unit emits. A Format is an immutable value;
// units advertise a list of them and the selected one defines the contract
// with the downstream unit.
type Format struct {
	PixelFormat PixelFormat `yaml:"pixelformat"`
	Name        string      `yaml:"name,omitempty"`
	Width       int         `yaml:"width"`
	Height      int         `yaml:"height"`
	RowStride   int         `yaml:"row_stride,omitempty"`
	MaxDataSize int         `yaml:"-"`
}

// NewFormat validates the geometry and fills in derived fields.
//
// A zero stride selects the packed stride (width × bytes per pixel). For
// uncompressed formats the stride must hold at least one full row. Planar
// formats use the luma stride; MaxDataSize accounts for the chroma planes.
func NewFormat(pf PixelFormat, name string, width, height, stride int) (Format, error) {
	if pf == PixelFormatInvalid || pf == PixelFormatAny {
		return Format{}, fmt.Errorf("%w: concrete pixel format required, got %s", ErrInvalidFormat, pf)
	}
	if width <= 0 || height <= 0 {
		return Format{}, fmt.Errorf("%w: %dx%d", ErrInvalidFormat, width, height)
	}

	f := Format{PixelFormat: pf, Name: name, Width: width, Height: height, RowStride: stride}

	switch {
	case pf.Compressed():
		if stride < 0 {
			return Format{}, fmt.Errorf("%w: negative stride %d", ErrInvalidFormat, stride)
		}
		// Upper bound; encoders report the real size through BytesUsed.
		f.MaxDataSize = width * height * 4
	case pf.Planar():
		minStride := width
		if stride == 0 {
			f.RowStride = minStride
		} else if stride < minStride {
			return Format{}, fmt.Errorf("%w: stride %d < %d for %s", ErrInvalidFormat, stride, minStride, pf)
		}
		f.MaxDataSize = f.RowStride * height * pf.BitsPerPixel() / 8
	default:
		bpp := pf.BitsPerPixel()
		if bpp == 0 {
			return Format{}, fmt.Errorf("%w: unknown pixel format %s", ErrInvalidFormat, pf)
		}
		minStride := (width*bpp + 7) / 8
		if stride == 0 {
			f.RowStride = minStride
		} else if stride < minStride {
			return Format{}, fmt.Errorf("%w: stride %d < %d for %dx%d %s", ErrInvalidFormat, stride, minStride, width, height, pf)
		}
		f.MaxDataSize = f.RowStride * height
	}

	if f.Name == "" {
		f.Name = fmt.Sprintf("%dx%d %s", width, height, pf)
	}
	return f, nil
}

// MustFormat is NewFormat for static declarations in unit drivers.
func MustFormat(pf PixelFormat, name string, width, height, stride int) Format {
	f, err := NewFormat(pf, name, width, height, stride)
	if err != nil {
		panic(err)
	}
	return f
}

// Equal reports whether two formats describe identical frames.
func (f Format) Equal(o Format) bool {
	return f == o
}

// IsZero reports whether f is the zero Format.
func (f Format) IsZero() bool {
	return f == Format{}
}

func (f Format) String() string {
	return fmt.Sprintf("%s (%dx%d %s stride=%d)", f.Name, f.Width, f.Height, f.PixelFormat, f.RowStride)
}
