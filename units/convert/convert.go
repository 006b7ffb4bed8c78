// Package convert provides colorspace conversion units between the packed
// 8-bit formats: GRAY, RGB, BGR, RGBA and BGRA.
package convert

import (
	"fmt"
	"slices"

	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
)

const (
	ToGrayID = "convert.to_gray"
	ToRGB8ID = "convert.to_rgb8"
)

// Inputs lists the pixel formats the converters accept.
var Inputs = []framebuffer.PixelFormat{
	framebuffer.PixelFormatGray,
	framebuffer.PixelFormatRGB,
	framebuffer.PixelFormatBGR,
	framebuffer.PixelFormatRGBA,
	framebuffer.PixelFormatBGRA,
}

// Driver registers the converters under package "convert".
func Driver() registry.Driver {
	return registry.Driver{
		Name: "convert",
		Units: []registry.Entry{
			{
				ID:      ToGrayID,
				Package: "convert",
				Name:    "Convert to Grayscale",
				Factory: func() (unit.Handler, error) { return &Converter{Target: framebuffer.PixelFormatGray}, nil },
			},
			{
				ID:      ToRGB8ID,
				Package: "convert",
				Name:    "Convert to 8-bit RGB",
				Factory: func() (unit.Handler, error) { return &Converter{Target: framebuffer.PixelFormatRGB}, nil },
			},
		},
	}
}

// Converter rewrites every frame into Target. Frames already in Target are
// forwarded without copying.
type Converter struct {
	Target framebuffer.PixelFormat

	in  framebuffer.Format
	out framebuffer.Format
}

func (c *Converter) Setup(u *unit.Unit) error {
	u.SetInputRequirement(&unit.Requirement{PixelFormats: Inputs})
	return nil
}

func (c *Converter) InputFormatChanged(u *unit.Unit, in *framebuffer.Format) {
	_ = u.RemoveAllOutputFormats()
	if in == nil || !slices.Contains(Inputs, in.PixelFormat) {
		return
	}
	if in.PixelFormat == c.Target {
		u.AddOutputFormat(*in)
		return
	}
	f, err := framebuffer.NewFormat(c.Target, "", in.Width, in.Height, 0)
	if err != nil {
		u.Logger().Warn("convert: cannot derive output format", "input", in, "error", err)
		return
	}
	u.AddOutputFormat(f)
}

func (c *Converter) StreamInit(u *unit.Unit, f framebuffer.Format) error {
	in, ok := u.InputFormat()
	if !ok {
		return unit.ErrInputRequired
	}
	if in.Width != f.Width || in.Height != f.Height {
		return fmt.Errorf("convert: size %dx%d does not match input %dx%d", f.Width, f.Height, in.Width, in.Height)
	}
	c.in, c.out = in, f
	return nil
}

func (c *Converter) StreamShutdown(*unit.Unit) error { return nil }

func (c *Converter) Process(u *unit.Unit, in *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	if c.in.PixelFormat == c.out.PixelFormat {
		return in.Ref(), nil
	}
	if need := c.in.RowStride * c.in.Height; in.BytesUsed < need {
		return nil, fmt.Errorf("convert: short frame: %d bytes, need %d", in.BytesUsed, need)
	}

	out := framebuffer.New(c.out.MaxDataSize)
	out.CopyMetadata(in)
	inBpp := c.in.PixelFormat.BitsPerPixel() / 8
	outBpp := c.out.PixelFormat.BitsPerPixel() / 8
	for y := 0; y < c.in.Height; y++ {
		src := in.Data[y*c.in.RowStride:]
		dst := out.Data[y*c.out.RowStride:]
		for x := 0; x < c.in.Width; x++ {
			r, g, b := rgbAt(c.in.PixelFormat, src[x*inBpp:])
			put(c.out.PixelFormat, dst[x*outBpp:], r, g, b)
		}
	}
	if err := out.SetBytesUsed(c.out.RowStride * c.out.Height); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

func rgbAt(pf framebuffer.PixelFormat, p []byte) (r, g, b byte) {
	switch pf {
	case framebuffer.PixelFormatGray:
		return p[0], p[0], p[0]
	case framebuffer.PixelFormatBGR, framebuffer.PixelFormatBGRA:
		return p[2], p[1], p[0]
	}
	return p[0], p[1], p[2]
}

func put(pf framebuffer.PixelFormat, p []byte, r, g, b byte) {
	switch pf {
	case framebuffer.PixelFormatGray:
		p[0] = Luma(r, g, b)
	case framebuffer.PixelFormatRGB:
		p[0], p[1], p[2] = r, g, b
	}
}

// Luma is the fixed-point BT.601 luminance of an RGB pixel.
func Luma(r, g, b byte) byte {
	return byte((77*int(r) + 150*int(g) + 29*int(b)) >> 8)
}
