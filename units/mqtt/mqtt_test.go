package mqtt

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ashuang/camunits-sub002/chain"
	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
)

// --- fake broker ---

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeBroker struct {
	mu        sync.Mutex
	subs      map[string][]paho.MessageHandler
	clients   []*fakeClient
	refuse    error
	subRefuse error
	published int
}

func newBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string][]paho.MessageHandler)}
}

func (b *fakeBroker) dial(opts *paho.ClientOptions) Client {
	c := &fakeClient{broker: b, opts: opts}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

type fakeClient struct {
	broker *fakeBroker
	opts   *paho.ClientOptions
}

func (c *fakeClient) Connect() paho.Token {
	if err := c.broker.refuse; err != nil {
		return &fakeToken{err: err}
	}
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(nil)
	}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	b := c.broker
	b.mu.Lock()
	b.published++
	handlers := append([]paho.MessageHandler(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(nil, &fakeMessage{topic: topic, payload: payload.([]byte)})
	}
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	b := c.broker
	if b.subRefuse != nil {
		return &fakeToken{err: b.subRefuse}
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], cb)
	b.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.broker.mu.Lock()
	for _, t := range topics {
		delete(c.broker.subs, t)
	}
	c.broker.mu.Unlock()
	return &fakeToken{}
}

// --- fixtures ---

var rgb2x2 = framebuffer.MustFormat(framebuffer.PixelFormatRGB, "", 2, 2, 0)

var knownPixels = []byte{
	255, 0, 0, 0, 255, 0,
	0, 0, 255, 255, 255, 255,
}

type pixelSource struct{}

func (pixelSource) Setup(u *unit.Unit) error {
	u.AddOutputFormat(rgb2x2)
	return nil
}

func (pixelSource) StreamInit(*unit.Unit, framebuffer.Format) error { return nil }
func (pixelSource) StreamShutdown(*unit.Unit) error                 { return nil }

func (pixelSource) Process(*unit.Unit, *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	buf := framebuffer.New(rgb2x2.MaxDataSize)
	copy(buf.Data, knownPixels)
	_ = buf.SetBytesUsed(len(knownPixels))
	buf.Timestamp = time.Date(2024, 5, 6, 7, 8, 9, 10, time.UTC)
	buf.SetMetadata("trace_id", []byte("abc"))
	return buf, nil
}

func publishChain(t *testing.T, b *fakeBroker) (*chain.Chain, *unit.Unit) {
	t.Helper()
	reg := registry.New()
	if err := reg.AddDriver(Driver(b.dial)); err != nil {
		t.Fatal(err)
	}
	c := chain.New(reg)
	src, err := unit.New("test.pixels", "pixels", pixelSource{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AppendUnit(src); err != nil {
		t.Fatal(err)
	}
	pub, err := c.AddUnitByID(PublishID)
	if err != nil {
		t.Fatal(err)
	}
	return c, pub
}

func subscribeChain(t *testing.T, b *fakeBroker) (*chain.Chain, *unit.Unit) {
	t.Helper()
	reg := registry.New()
	if err := reg.AddDriver(Driver(b.dial)); err != nil {
		t.Fatal(err)
	}
	c := chain.New(reg)
	sub, err := c.AddUnitByID(SubscribeID)
	if err != nil {
		t.Fatal(err)
	}
	for name, v := range map[string]any{"width": 2, "height": 2, "pixelformat": "RGB"} {
		if err := sub.SetControl(name, v); err != nil {
			t.Fatalf("SetControl(%s): %v", name, err)
		}
	}
	return c, sub
}

func waitReady(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("wait handle never became readable")
	}
}

// --- Test 1: frames published on one chain arrive on another ---
//
// Scenario: chain A publishes a known 2x2 RGB frame; chain B subscribes.
// Expected: B's wait handle fires and PumpOnce delivers the same 12 bytes,
// timestamp and metadata.
func TestPublishSubscribeRoundTrip(t *testing.T) {
	b := newBroker()
	sender, pub := publishChain(t, b)
	receiver, sub := subscribeChain(t, b)

	if _, err := receiver.AllUnitsStreamInit(); err != nil {
		t.Fatalf("receiver init: %v", err)
	}
	defer receiver.AllUnitsStreamShutdown()
	if _, err := sender.AllUnitsStreamInit(); err != nil {
		t.Fatalf("sender init: %v", err)
	}
	defer sender.AllUnitsStreamShutdown()

	if ok, err := sender.PumpOnce(); !ok || err != nil {
		t.Fatalf("sender PumpOnce = %v, %v", ok, err)
	}
	if st := pub.Handler().(*Publisher).Stats(); st.Published != 1 || !st.Connected {
		t.Errorf("publisher stats = %+v", st)
	}

	waitReady(t, sub.WaitHandle())

	var got *framebuffer.FrameBuffer
	_ = receiver.OnFrameReady("test", func(_ *chain.Chain, _ *unit.Unit, buf *framebuffer.FrameBuffer) {
		got = buf.Ref()
	})
	if ok, err := receiver.PumpOnce(); !ok || err != nil {
		t.Fatalf("receiver PumpOnce = %v, %v", ok, err)
	}
	defer got.Release()

	if got.BytesUsed != 12 || !bytes.Equal(got.Bytes(), knownPixels) {
		t.Errorf("pixels = %v", got.Bytes())
	}
	if want := time.Date(2024, 5, 6, 7, 8, 9, 10, time.UTC); !got.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, want)
	}
	if v, _ := got.Metadata("trace_id"); string(v) != "abc" {
		t.Errorf("trace_id = %q", v)
	}
	t.Logf("✅ frame crossed the broker intact")
}

// --- Test 2: messages with another layout are rejected ---
func TestSubscriberRejectsMismatchedLayout(t *testing.T) {
	b := newBroker()
	sender, _ := publishChain(t, b)
	receiver, sub := subscribeChain(t, b)
	if err := sub.SetControl("width", 4); err != nil {
		t.Fatal(err)
	}

	if _, err := receiver.AllUnitsStreamInit(); err != nil {
		t.Fatal(err)
	}
	defer receiver.AllUnitsStreamShutdown()
	if _, err := sender.AllUnitsStreamInit(); err != nil {
		t.Fatal(err)
	}
	defer sender.AllUnitsStreamShutdown()

	_, _ = sender.PumpOnce()
	st := sub.Handler().(*Subscriber).Stats()
	if st.Rejected != 1 || st.Mailbox.Arrivals != 0 {
		t.Errorf("stats = %+v, want one rejection and no arrival", st)
	}
	if ok, _ := receiver.PumpOnce(); ok {
		t.Error("mismatched frame delivered")
	}
}

// --- Test 3: a refused subscription faults the source ---
func TestSubscribeFailureFaults(t *testing.T) {
	b := newBroker()
	b.subRefuse = errors.New("not authorized")
	receiver, sub := subscribeChain(t, b)

	if _, err := receiver.AllUnitsStreamInit(); err != nil {
		t.Fatal(err)
	}
	defer receiver.AllUnitsStreamShutdown()

	waitReady(t, sub.WaitHandle())
	_, err := receiver.PumpOnce()
	if !unit.IsFault(err) {
		t.Fatalf("err = %v, want fault", err)
	}
	if sub.State() != unit.Faulted {
		t.Errorf("state = %s", sub.State())
	}
}

// --- Test 4: a refused connection fails stream init ---
func TestConnectFailureFailsInit(t *testing.T) {
	b := newBroker()
	b.refuse = errors.New("connection refused")
	sender, pub := publishChain(t, b)

	failed, err := sender.AllUnitsStreamInit()
	if !errors.Is(err, unit.ErrStreamInit) {
		t.Fatalf("err = %v, want ErrStreamInit", err)
	}
	if failed != pub {
		t.Errorf("failed = %v, want %v", failed, pub)
	}
	_ = sender.AllUnitsStreamShutdown()
}

// --- Test 5: frames keep flowing while the broker is unreachable ---
func TestPublisherForwardsWhileDisconnected(t *testing.T) {
	b := newBroker()
	sender, pub := publishChain(t, b)
	if _, err := sender.AllUnitsStreamInit(); err != nil {
		t.Fatal(err)
	}
	defer sender.AllUnitsStreamShutdown()

	client := b.clients[0]
	client.opts.OnConnectionLost(nil, errors.New("broker went away"))

	ok, err := sender.PumpOnce()
	if !ok || err != nil {
		t.Fatalf("PumpOnce = %v, %v; frame should still be delivered", ok, err)
	}
	st := pub.Handler().(*Publisher).Stats()
	if st.Connected || st.Errors != 1 || st.Published != 0 {
		t.Errorf("stats = %+v", st)
	}
}

// --- Test 6: layout controls are fixed while streaming ---
func TestSubscriberFormatFixedWhileStreaming(t *testing.T) {
	b := newBroker()
	receiver, sub := subscribeChain(t, b)
	if f, _ := sub.OutputFormat(); f.Width != 2 || f.Height != 2 {
		t.Fatalf("output format = %s", f)
	}
	if _, err := receiver.AllUnitsStreamInit(); err != nil {
		t.Fatal(err)
	}
	defer receiver.AllUnitsStreamShutdown()

	if err := sub.SetControl("width", 8); err == nil {
		t.Fatal("width changed while streaming")
	}
	if c, _ := sub.Control("width"); c.Int() != 2 {
		t.Errorf("width = %d after rejected set", c.Int())
	}
	if err := sub.SetControl("pixelformat", "NOPE"); err == nil {
		t.Error("unknown pixel format accepted")
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xc1}); err == nil {
		t.Fatal("garbage decoded")
	}
}
