// Package wsrelay provides output.websocket, which streams frames as
// binary JPEG messages to a WebSocket endpoint.
//
// The chain goroutine never touches the network: Process hands the encoded
// frame to a latest-wins mailbox drained by a writer goroutine, so a slow
// peer drops frames instead of stalling the chain. Connection failures seen
// by the background goroutines are recorded and returned by the next
// Process, which faults the unit on the chain goroutine.
package wsrelay

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashuang/camunits-sub002/control"
	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/mailbox"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
	"github.com/ashuang/camunits-sub002/units/internal/imageconv"
)

const (
	ID = "output.websocket"

	DefaultURL = "ws://localhost:8080/frames"

	writeWait  = 5 * time.Second
	pingPeriod = 25 * time.Second
)

var inputs = []framebuffer.PixelFormat{
	framebuffer.PixelFormatGray,
	framebuffer.PixelFormatRGB,
	framebuffer.PixelFormatBGR,
	framebuffer.PixelFormatRGBA,
	framebuffer.PixelFormatBGRA,
	framebuffer.PixelFormatMJPEG,
}

func Driver() registry.Driver {
	return registry.Driver{
		Name: "websocket",
		Units: []registry.Entry{{
			ID:      ID,
			Package: "output",
			Name:    "WebSocket Relay",
			Factory: func() (unit.Handler, error) { return &Relay{}, nil },
		}},
	}
}

// Relay is the output.websocket handler. It forwards its input unchanged.
type Relay struct {
	mu      sync.Mutex
	url     string
	quality int

	in      framebuffer.Format
	conn    *websocket.Conn
	pending *mailbox.Slot
	done    chan struct{}
	wg      sync.WaitGroup
	scratch bytes.Buffer

	failure atomic.Pointer[error]
	sent    atomic.Uint64
}

func (r *Relay) Setup(u *unit.Unit) error {
	r.url, r.quality = DefaultURL, 80
	r.pending = mailbox.New()
	u.SetInputRequirement(&unit.Requirement{PixelFormats: inputs})

	url, err := control.NewString("url", "WebSocket URL", r.url)
	if err != nil {
		return err
	}
	q, err := control.NewInt("quality", "JPEG quality", 1, 100, 1, r.quality)
	if err != nil {
		return err
	}
	if err := u.AddControl(url); err != nil {
		return err
	}
	return u.AddControl(q)
}

func (r *Relay) TrySetControl(_ *unit.Unit, c *control.Control, proposed any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch c.Name() {
	case "url":
		r.url = proposed.(string)
	case "quality":
		r.quality = proposed.(int)
	}
	return proposed, nil
}

func (r *Relay) InputFormatChanged(u *unit.Unit, in *framebuffer.Format) {
	_ = u.RemoveAllOutputFormats()
	if in != nil {
		u.AddOutputFormat(*in)
	}
}

func (r *Relay) StreamInit(u *unit.Unit, _ framebuffer.Format) error {
	in, ok := u.InputFormat()
	if !ok {
		return unit.ErrInputRequired
	}
	r.mu.Lock()
	url := r.url
	r.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("websocket: dial %s: %w", url, err)
	}
	r.in = in
	r.conn = conn
	r.done = make(chan struct{})
	r.pending.Reset()
	r.failure.Store(nil)

	r.wg.Add(3)
	go r.writeLoop(u)
	go r.readLoop(u)
	go r.pingLoop()
	u.Logger().Info("websocket: connected", "url", url)
	return nil
}

func (r *Relay) StreamShutdown(u *unit.Unit) error {
	if r.conn == nil {
		return nil
	}
	close(r.done)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream shutdown")
	_ = r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	err := r.conn.Close()
	r.wg.Wait()
	r.conn = nil
	r.pending.Reset()
	u.Logger().Info("websocket: disconnected", "sent", r.sent.Load())
	return err
}

func (r *Relay) Process(_ *unit.Unit, in *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	if err := r.Failure(); err != nil {
		return nil, err
	}
	msg, err := r.encode(in)
	if err != nil {
		return nil, err
	}
	r.pending.Put(msg)
	return in.Ref(), nil
}

// encode returns a new buffer holding the frame as JPEG.
func (r *Relay) encode(in *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	if r.in.PixelFormat == framebuffer.PixelFormatMJPEG {
		return in.Clone(), nil
	}
	img, err := imageconv.ToImage(in, r.in)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	q := r.quality
	r.mu.Unlock()

	r.scratch.Reset()
	if err := jpeg.Encode(&r.scratch, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("websocket: encode: %w", err)
	}
	out := framebuffer.New(r.scratch.Len())
	copy(out.Data, r.scratch.Bytes())
	_ = out.SetBytesUsed(r.scratch.Len())
	return out, nil
}

func (r *Relay) writeLoop(u *unit.Unit) {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case <-r.pending.WaitHandle():
		}
		buf, _ := r.pending.Take()
		if buf == nil {
			continue
		}
		_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := r.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
		buf.Release()
		if err != nil {
			r.fail(u, fmt.Errorf("websocket: write: %w", err))
			return
		}
		r.sent.Add(1)
	}
}

// readLoop services control frames and notices the peer going away.
func (r *Relay) readLoop(u *unit.Unit) {
	defer r.wg.Done()
	for {
		if _, _, err := r.conn.ReadMessage(); err != nil {
			r.fail(u, fmt.Errorf("websocket: read: %w", err))
			return
		}
	}
}

func (r *Relay) pingLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			_ = r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
	}
}

// fail records the first connection error unless it is the result of our
// own shutdown. The unit faults when Process returns it.
func (r *Relay) fail(u *unit.Unit, err error) {
	select {
	case <-r.done:
		return
	default:
	}
	if r.failure.CompareAndSwap(nil, &err) {
		u.Logger().Warn("websocket: connection failed", "error", err)
	}
}

// Failure returns the recorded connection error, or nil.
func (r *Relay) Failure() error {
	if p := r.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// Sent returns the number of frames written to the peer.
func (r *Relay) Sent() uint64 { return r.sent.Load() }
