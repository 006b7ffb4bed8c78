package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ashuang/camunits-sub002/control"
	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/mailbox"
	"github.com/ashuang/camunits-sub002/unit"
)

var ErrFormatFixed = errors.New("mqtt: output format cannot change while streaming")

// Subscriber is the input.mqtt handler: an asynchronous source fed by
// paho's message goroutine through a latest-wins mailbox.
//
// The output format is declared up front with the pixelformat, width and
// height controls; messages carrying any other layout are dropped.
type Subscriber struct {
	session

	slot *mailbox.Slot

	fmu    sync.Mutex
	format framebuffer.Format

	rejected atomic.Uint64
}

// SubscriberStats contains subscriber statistics.
type SubscriberStats struct {
	Connected bool
	Mailbox   mailbox.Stats
	Rejected  uint64 // undecodable or mismatched messages
}

func (s *Subscriber) Setup(u *unit.Unit) error {
	s.slot = mailbox.New()
	if err := s.addControls(u); err != nil {
		return err
	}
	pf, err := control.NewString("pixelformat", "Pixel format", "RGB")
	if err != nil {
		return err
	}
	w, err := control.NewInt("width", "Width", 1, 8192, 1, 640)
	if err != nil {
		return err
	}
	h, err := control.NewInt("height", "Height", 1, 8192, 1, 480)
	if err != nil {
		return err
	}
	for _, c := range []*control.Control{pf, w, h} {
		if err := u.AddControl(c); err != nil {
			return err
		}
	}
	f := framebuffer.MustFormat(framebuffer.PixelFormatRGB, "", 640, 480, 0)
	s.format = f
	u.AddOutputFormat(f)
	return nil
}

func (s *Subscriber) TrySetControl(u *unit.Unit, c *control.Control, proposed any) (any, error) {
	if owned, err := s.trySet(c, proposed); owned {
		if err != nil {
			return nil, err
		}
		return proposed, nil
	}
	if u.State() != unit.Idle {
		return nil, ErrFormatFixed
	}

	s.fmu.Lock()
	pf, w, h := s.format.PixelFormat, s.format.Width, s.format.Height
	s.fmu.Unlock()
	switch c.Name() {
	case "pixelformat":
		p, err := framebuffer.ParsePixelFormat(proposed.(string))
		if err != nil {
			return nil, err
		}
		pf = p
	case "width":
		w = proposed.(int)
	case "height":
		h = proposed.(int)
	}
	f, err := framebuffer.NewFormat(pf, "", w, h, 0)
	if err != nil {
		return nil, err
	}
	s.fmu.Lock()
	s.format = f
	s.fmu.Unlock()
	if err := u.SetOutputFormats(f); err != nil {
		return nil, err
	}
	return proposed, nil
}

func (s *Subscriber) StreamInit(u *unit.Unit, f framebuffer.Format) error {
	s.slot.Reset()
	s.fmu.Lock()
	s.format = f
	s.fmu.Unlock()
	return s.connect(u.Logger(), func(c Client) { s.subscribe(u, c) })
}

// subscribe runs on every (re)connection. A refused subscription faults
// the unit on its next Process.
func (s *Subscriber) subscribe(u *unit.Unit, c Client) {
	_, topic, qos, _ := s.settings()
	token := c.Subscribe(topic, qos, func(_ paho.Client, m paho.Message) {
		s.receive(u, m.Payload())
	})
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			s.slot.Fail(fmt.Errorf("mqtt: subscribe %s: %w", topic, err))
			return
		}
		u.Logger().Info("mqtt: subscribed", "topic", topic, "qos", qos)
	}()
}

func (s *Subscriber) receive(u *unit.Unit, payload []byte) {
	m, err := Decode(payload)
	if err != nil {
		s.rejected.Add(1)
		u.Logger().Warn("mqtt: dropping message", "error", err, "size", len(payload))
		return
	}
	f, err := m.Format()
	s.fmu.Lock()
	want := s.format
	s.fmu.Unlock()
	if err != nil || f.PixelFormat != want.PixelFormat || f.Width != want.Width || f.Height != want.Height {
		s.rejected.Add(1)
		u.Logger().Warn("mqtt: dropping message with unexpected layout",
			"got", fmt.Sprintf("%dx%d %s", m.Width, m.Height, m.PixelFormat), "want", want)
		return
	}
	buf, err := m.FrameBuffer()
	if err != nil {
		s.rejected.Add(1)
		u.Logger().Warn("mqtt: dropping message", "error", err)
		return
	}
	s.slot.Put(buf)
}

func (s *Subscriber) StreamShutdown(u *unit.Unit) error {
	client, topic, _, _ := s.settings()
	if client != nil {
		client.Unsubscribe(topic)
	}
	s.disconnect(u.Logger())
	s.slot.Reset()
	return nil
}

func (s *Subscriber) WaitHandle(*unit.Unit) <-chan struct{} { return s.slot.WaitHandle() }

func (s *Subscriber) Process(*unit.Unit, *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	return s.slot.Take()
}

// Stats returns subscriber statistics.
func (s *Subscriber) Stats() SubscriberStats {
	_, _, _, connected := s.settings()
	return SubscriberStats{
		Connected: connected,
		Mailbox:   s.slot.Stats(),
		Rejected:  s.rejected.Load(),
	}
}
