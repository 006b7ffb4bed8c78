package framebuffer

import (
	"fmt"
	"strings"
)

// PixelFormat identifies the memory layout of a frame. Values are FOURCC
// codes so they survive serialization unchanged.
type PixelFormat uint32

func fourcc(a, b, c, d byte) PixelFormat {
	return PixelFormat(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// Sentinels used in format requirements.
const (
	PixelFormatInvalid PixelFormat = 0
	PixelFormatAny     PixelFormat = 0xffffffff
)

// Known pixel formats.
var (
	PixelFormatGray      = fourcc('G', 'R', 'E', 'Y')
	PixelFormatGray16    = fourcc('Y', '1', '6', ' ')
	PixelFormatRGB       = fourcc('R', 'G', 'B', '3')
	PixelFormatBGR       = fourcc('B', 'G', 'R', '3')
	PixelFormatRGBA      = fourcc('R', 'G', 'B', '4')
	PixelFormatBGRA      = fourcc('B', 'G', 'R', '4')
	PixelFormatYUYV      = fourcc('Y', 'U', 'Y', 'V')
	PixelFormatUYVY      = fourcc('U', 'Y', 'V', 'Y')
	PixelFormatI420      = fourcc('I', '4', '2', '0')
	PixelFormatNV12      = fourcc('N', 'V', '1', '2')
	PixelFormatBayerRGGB = fourcc('R', 'G', 'G', 'B')
	PixelFormatMJPEG     = fourcc('M', 'J', 'P', 'G')
)

type pixelFormatInfo struct {
	name       string
	bpp        int // bits per pixel, 0 for compressed
	planar     bool
	compressed bool
}

var pixelFormats = map[PixelFormat]pixelFormatInfo{
	PixelFormatGray:      {name: "GRAY", bpp: 8},
	PixelFormatGray16:    {name: "GRAY16", bpp: 16},
	PixelFormatRGB:       {name: "RGB", bpp: 24},
	PixelFormatBGR:       {name: "BGR", bpp: 24},
	PixelFormatRGBA:      {name: "RGBA", bpp: 32},
	PixelFormatBGRA:      {name: "BGRA", bpp: 32},
	PixelFormatYUYV:      {name: "YUYV", bpp: 16},
	PixelFormatUYVY:      {name: "UYVY", bpp: 16},
	PixelFormatI420:      {name: "I420", bpp: 12, planar: true},
	PixelFormatNV12:      {name: "NV12", bpp: 12, planar: true},
	PixelFormatBayerRGGB: {name: "BAYER_RGGB", bpp: 8},
	PixelFormatMJPEG:     {name: "MJPEG", compressed: true},
}

// BitsPerPixel returns the storage cost of one pixel, or 0 for compressed
// and unknown formats.
func (p PixelFormat) BitsPerPixel() int {
	return pixelFormats[p].bpp
}

// Compressed reports whether frames of this format have a variable size.
func (p PixelFormat) Compressed() bool {
	return pixelFormats[p].compressed
}

// Planar reports whether the format stores its components in separate planes.
func (p PixelFormat) Planar() bool {
	return pixelFormats[p].planar
}

// Known reports whether p is one of the concrete formats above.
func (p PixelFormat) Known() bool {
	_, ok := pixelFormats[p]
	return ok
}

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatInvalid:
		return "INVALID"
	case PixelFormatAny:
		return "ANY"
	}
	if info, ok := pixelFormats[p]; ok {
		return info.name
	}
	return fmt.Sprintf("0x%08x", uint32(p))
}

// ParsePixelFormat is the inverse of String. Matching is case-insensitive.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToUpper(s) {
	case "ANY":
		return PixelFormatAny, nil
	case "GREY", "GRAY8":
		return PixelFormatGray, nil
	case "RGB8", "RGB24":
		return PixelFormatRGB, nil
	case "JPEG":
		return PixelFormatMJPEG, nil
	}
	for pf, info := range pixelFormats {
		if strings.EqualFold(info.name, s) {
			return pf, nil
		}
	}
	return PixelFormatInvalid, fmt.Errorf("framebuffer: unknown pixel format %q", s)
}

// MarshalText implements encoding.TextMarshaler so formats read naturally in
// YAML chain descriptions.
func (p PixelFormat) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PixelFormat) UnmarshalText(b []byte) error {
	pf, err := ParsePixelFormat(string(b))
	if err != nil {
		return err
	}
	*p = pf
	return nil
}
