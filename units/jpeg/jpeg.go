// Package jpeg provides convert.jpeg_compress and convert.jpeg_decompress.
package jpeg

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"sync/atomic"

	"github.com/ashuang/camunits-sub002/control"
	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
	"github.com/ashuang/camunits-sub002/units/internal/imageconv"
)

const (
	CompressID   = "convert.jpeg_compress"
	DecompressID = "convert.jpeg_decompress"

	DefaultQuality = 90
)

var compressInputs = []framebuffer.PixelFormat{
	framebuffer.PixelFormatGray,
	framebuffer.PixelFormatRGB,
	framebuffer.PixelFormatBGR,
	framebuffer.PixelFormatRGBA,
	framebuffer.PixelFormatBGRA,
}

func Driver() registry.Driver {
	return registry.Driver{
		Name: "jpeg",
		Units: []registry.Entry{
			{
				ID:      CompressID,
				Package: "convert",
				Name:    "JPEG Compress",
				Factory: func() (unit.Handler, error) { return &Compressor{}, nil },
			},
			{
				ID:      DecompressID,
				Package: "convert",
				Name:    "JPEG Decompress",
				Factory: func() (unit.Handler, error) { return &Decompressor{}, nil },
			},
		},
	}
}

// Compressor encodes packed 8-bit frames as JPEG.
type Compressor struct {
	quality atomic.Int32
	in      framebuffer.Format
	out     framebuffer.Format
	scratch bytes.Buffer
}

func (c *Compressor) Setup(u *unit.Unit) error {
	c.quality.Store(DefaultQuality)
	u.SetInputRequirement(&unit.Requirement{PixelFormats: compressInputs})
	q, err := control.NewInt("quality", "Quality", 1, 100, 1, DefaultQuality)
	if err != nil {
		return err
	}
	return u.AddControl(q)
}

func (c *Compressor) TrySetControl(_ *unit.Unit, ctl *control.Control, proposed any) (any, error) {
	if ctl.Name() == "quality" {
		c.quality.Store(int32(proposed.(int)))
	}
	return proposed, nil
}

func (c *Compressor) InputFormatChanged(u *unit.Unit, in *framebuffer.Format) {
	_ = u.RemoveAllOutputFormats()
	if in == nil {
		return
	}
	f, err := framebuffer.NewFormat(framebuffer.PixelFormatMJPEG, "", in.Width, in.Height, 0)
	if err != nil {
		u.Logger().Warn("jpeg: cannot derive output format", "input", in, "error", err)
		return
	}
	u.AddOutputFormat(f)
}

func (c *Compressor) StreamInit(u *unit.Unit, f framebuffer.Format) error {
	in, ok := u.InputFormat()
	if !ok {
		return unit.ErrInputRequired
	}
	c.in, c.out = in, f
	return nil
}

func (c *Compressor) StreamShutdown(*unit.Unit) error {
	c.scratch = bytes.Buffer{}
	return nil
}

func (c *Compressor) Process(_ *unit.Unit, in *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	img, err := imageconv.ToImage(in, c.in)
	if err != nil {
		return nil, err
	}
	c.scratch.Reset()
	if err := jpeg.Encode(&c.scratch, img, &jpeg.Options{Quality: int(c.quality.Load())}); err != nil {
		return nil, fmt.Errorf("jpeg: encode: %w", err)
	}

	out := framebuffer.New(max(c.out.MaxDataSize, c.scratch.Len()))
	out.CopyMetadata(in)
	n := copy(out.Data, c.scratch.Bytes())
	if err := out.SetBytesUsed(n); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// Decompressor decodes JPEG frames into packed RGB.
type Decompressor struct {
	out framebuffer.Format
}

func (d *Decompressor) Setup(u *unit.Unit) error {
	u.SetInputRequirement(&unit.Requirement{PixelFormats: []framebuffer.PixelFormat{framebuffer.PixelFormatMJPEG}})
	return nil
}

func (d *Decompressor) InputFormatChanged(u *unit.Unit, in *framebuffer.Format) {
	_ = u.RemoveAllOutputFormats()
	if in == nil || in.PixelFormat != framebuffer.PixelFormatMJPEG {
		return
	}
	f, err := framebuffer.NewFormat(framebuffer.PixelFormatRGB, "", in.Width, in.Height, 0)
	if err != nil {
		u.Logger().Warn("jpeg: cannot derive output format", "input", in, "error", err)
		return
	}
	u.AddOutputFormat(f)
}

func (d *Decompressor) StreamInit(_ *unit.Unit, f framebuffer.Format) error {
	d.out = f
	return nil
}

func (d *Decompressor) StreamShutdown(*unit.Unit) error { return nil }

func (d *Decompressor) Process(_ *unit.Unit, in *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	img, err := jpeg.Decode(bytes.NewReader(in.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("jpeg: decode: %w", err)
	}
	out := framebuffer.New(d.out.MaxDataSize)
	out.CopyMetadata(in)
	if err := imageconv.WriteRGB(out, d.out, img); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}
