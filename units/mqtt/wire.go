package mqtt

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ashuang/camunits-sub002/framebuffer"
)

// Message is the msgpack wire form of one frame. Pixel data travels as raw
// bytes, metadata as a string-keyed byte map.
type Message struct {
	PixelFormat string            `msgpack:"pixelformat"`
	Width       int               `msgpack:"width"`
	Height      int               `msgpack:"height"`
	RowStride   int               `msgpack:"row_stride"`
	Timestamp   string            `msgpack:"timestamp"`
	Meta        map[string][]byte `msgpack:"meta,omitempty"`
	FrameData   []byte            `msgpack:"frame_data"`
}

// Encode serializes buf, laid out as f.
func Encode(buf *framebuffer.FrameBuffer, f framebuffer.Format) ([]byte, error) {
	m := Message{
		PixelFormat: f.PixelFormat.String(),
		Width:       f.Width,
		Height:      f.Height,
		RowStride:   f.RowStride,
		FrameData:   buf.Bytes(),
	}
	if !buf.Timestamp.IsZero() {
		m.Timestamp = buf.Timestamp.Format(time.RFC3339Nano)
	}
	if keys := buf.MetadataKeys(); len(keys) > 0 {
		m.Meta = make(map[string][]byte, len(keys))
		for _, k := range keys {
			m.Meta[k], _ = buf.Metadata(k)
		}
	}
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("mqtt: marshal frame: %w", err)
	}
	return b, nil
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("mqtt: unmarshal frame: %w", err)
	}
	return m, nil
}

// Format returns the frame layout carried by m.
func (m Message) Format() (framebuffer.Format, error) {
	pf, err := framebuffer.ParsePixelFormat(m.PixelFormat)
	if err != nil {
		return framebuffer.Format{}, err
	}
	return framebuffer.NewFormat(pf, "", m.Width, m.Height, m.RowStride)
}

// FrameBuffer builds a new buffer holding m's pixels, timestamp and
// metadata.
func (m Message) FrameBuffer() (*framebuffer.FrameBuffer, error) {
	buf := framebuffer.New(len(m.FrameData))
	copy(buf.Data, m.FrameData)
	if err := buf.SetBytesUsed(len(m.FrameData)); err != nil {
		buf.Release()
		return nil, err
	}
	if m.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, m.Timestamp)
		if err != nil {
			buf.Release()
			return nil, fmt.Errorf("mqtt: bad timestamp %q: %w", m.Timestamp, err)
		}
		buf.Timestamp = ts
	}
	for k, v := range m.Meta {
		buf.SetMetadata(k, v)
	}
	return buf, nil
}
