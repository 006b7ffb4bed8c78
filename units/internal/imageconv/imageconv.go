// Package imageconv moves pixels between frame buffers and image.Image for
// units that hand frames to stdlib codecs.
package imageconv

import (
	"errors"
	"fmt"
	"image"
	"image/draw"

	"github.com/ashuang/camunits-sub002/framebuffer"
)

var ErrUnsupported = errors.New("imageconv: unsupported pixel format")

// ToImage copies buf, laid out as f, into an image. GRAY becomes
// *image.Gray; every RGB-family format becomes *image.RGBA.
func ToImage(buf *framebuffer.FrameBuffer, f framebuffer.Format) (image.Image, error) {
	need := f.RowStride * (f.Height - 1)
	if bpp := f.PixelFormat.BitsPerPixel() / 8; bpp > 0 {
		need += f.Width * bpp
	}
	if buf.BytesUsed < need {
		return nil, fmt.Errorf("imageconv: %d bytes, need %d for %s", buf.BytesUsed, need, f)
	}
	src := buf.Data
	rect := image.Rect(0, 0, f.Width, f.Height)

	switch f.PixelFormat {
	case framebuffer.PixelFormatGray:
		img := image.NewGray(rect)
		for y := 0; y < f.Height; y++ {
			copy(img.Pix[y*img.Stride:y*img.Stride+f.Width], src[y*f.RowStride:])
		}
		return img, nil
	case framebuffer.PixelFormatRGB, framebuffer.PixelFormatBGR,
		framebuffer.PixelFormatRGBA, framebuffer.PixelFormatBGRA:
		img := image.NewRGBA(rect)
		bpp := f.PixelFormat.BitsPerPixel() / 8
		ri, bi := 0, 2
		if f.PixelFormat == framebuffer.PixelFormatBGR || f.PixelFormat == framebuffer.PixelFormatBGRA {
			ri, bi = 2, 0
		}
		for y := 0; y < f.Height; y++ {
			row := src[y*f.RowStride:]
			out := img.Pix[y*img.Stride:]
			for x := 0; x < f.Width; x++ {
				p := row[x*bpp:]
				out[x*4+0] = p[ri]
				out[x*4+1] = p[1]
				out[x*4+2] = p[bi]
				if bpp == 4 {
					out[x*4+3] = p[3]
				} else {
					out[x*4+3] = 255
				}
			}
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, f.PixelFormat)
}

// WriteRGB stores img into dst as packed RGB laid out as f.
func WriteRGB(dst *framebuffer.FrameBuffer, f framebuffer.Format, img image.Image) error {
	if f.PixelFormat != framebuffer.PixelFormatRGB {
		return fmt.Errorf("%w: %s", ErrUnsupported, f.PixelFormat)
	}
	if img.Bounds().Dx() != f.Width || img.Bounds().Dy() != f.Height {
		return fmt.Errorf("imageconv: image %v does not match %s", img.Bounds(), f)
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	}
	for y := 0; y < f.Height; y++ {
		in := rgba.Pix[y*rgba.Stride:]
		out := dst.Data[y*f.RowStride:]
		for x := 0; x < f.Width; x++ {
			out[x*3+0] = in[x*4+0]
			out[x*3+1] = in[x*4+1]
			out[x*3+2] = in[x*4+2]
		}
	}
	return dst.SetBytesUsed(f.Height * f.RowStride)
}
