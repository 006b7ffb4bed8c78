package wsrelay

import (
	"bytes"
	"errors"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashuang/camunits-sub002/chain"
	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
)

var rgb4x4 = framebuffer.MustFormat(framebuffer.PixelFormatRGB, "", 4, 4, 0)

type graySource struct{}

func (graySource) Setup(u *unit.Unit) error {
	u.AddOutputFormat(rgb4x4)
	return nil
}

func (graySource) StreamInit(*unit.Unit, framebuffer.Format) error { return nil }
func (graySource) StreamShutdown(*unit.Unit) error                 { return nil }

func (graySource) Process(*unit.Unit, *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	buf := framebuffer.New(rgb4x4.MaxDataSize)
	for i := range buf.Data {
		buf.Data[i] = 128
	}
	_ = buf.SetBytesUsed(rgb4x4.MaxDataSize)
	return buf, nil
}

// sink is a WebSocket endpoint that records binary messages.
type sink struct {
	srv      *httptest.Server
	messages chan []byte
	conns    chan *websocket.Conn
}

func newSink(t *testing.T) *sink {
	t.Helper()
	s := &sink{messages: make(chan []byte, 16), conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				s.messages <- data
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sink) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func newChain(t *testing.T, url string) (*chain.Chain, *unit.Unit) {
	t.Helper()
	reg := registry.New()
	if err := reg.AddDriver(Driver()); err != nil {
		t.Fatal(err)
	}
	c := chain.New(reg)
	src, err := unit.New("test.gray", "gray", graySource{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AppendUnit(src); err != nil {
		t.Fatal(err)
	}
	relay, err := c.AddUnitByID(ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := relay.SetControl("url", url); err != nil {
		t.Fatal(err)
	}
	return c, relay
}

func TestRelaySendsJPEG(t *testing.T) {
	s := newSink(t)
	c, relay := newChain(t, s.url())
	if _, err := c.AllUnitsStreamInit(); err != nil {
		t.Fatal(err)
	}
	defer c.AllUnitsStreamShutdown()

	if ok, err := c.PumpOnce(); !ok || err != nil {
		t.Fatalf("PumpOnce = %v, %v", ok, err)
	}

	select {
	case data := <-s.messages:
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("message is not JPEG: %v", err)
		}
		if cfg.Width != 4 || cfg.Height != 4 {
			t.Errorf("jpeg size = %dx%d", cfg.Width, cfg.Height)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	deadline := time.Now().Add(time.Second)
	for relay.Handler().(*Relay).Sent() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := relay.Handler().(*Relay).Sent(); n != 1 {
		t.Errorf("sent = %d", n)
	}
}

// A closed peer is noticed by the background goroutines, but the unit only
// faults inside PumpOnce, on the caller's goroutine.
func TestPeerCloseFaultsOnPump(t *testing.T) {
	s := newSink(t)
	c, relay := newChain(t, s.url())

	var statusEvents atomic.Int32
	c.OnEvent(func(ev chain.Event) {
		if ev.Kind == chain.UnitStatusChanged && ev.Unit == relay {
			statusEvents.Add(1)
		}
	})
	if _, err := c.AllUnitsStreamInit(); err != nil {
		t.Fatal(err)
	}
	defer c.AllUnitsStreamShutdown()
	started := statusEvents.Load()

	conn := <-s.conns
	_ = conn.Close()

	h := relay.Handler().(*Relay)
	deadline := time.Now().Add(2 * time.Second)
	for h.Failure() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Failure() == nil {
		t.Fatal("peer close not recorded")
	}
	if relay.State() != unit.Streaming || statusEvents.Load() != started {
		t.Fatalf("unit changed state off the chain goroutine: %s", relay.State())
	}

	ok, err := c.PumpOnce()
	if ok || !unit.IsFault(err) {
		t.Fatalf("PumpOnce = %v, %v; want fault", ok, err)
	}
	if relay.State() != unit.Faulted {
		t.Fatalf("state = %s, want FAULTED", relay.State())
	}
	if relay.Err() == nil {
		t.Error("fault cause not recorded")
	}
	if statusEvents.Load() != started+1 {
		t.Errorf("status events = %d, want %d", statusEvents.Load(), started+1)
	}
	t.Logf("✅ peer close surfaced as fault from PumpOnce: %v", relay.Err())
}

func TestDialFailureFailsInit(t *testing.T) {
	s := newSink(t)
	url := s.url()
	s.srv.Close()

	c, relay := newChain(t, url)
	failed, err := c.AllUnitsStreamInit()
	if !errors.Is(err, unit.ErrStreamInit) {
		t.Fatalf("err = %v, want ErrStreamInit", err)
	}
	if failed != relay {
		t.Errorf("failed = %v", failed)
	}
}
