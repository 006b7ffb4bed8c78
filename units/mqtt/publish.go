package mqtt

import (
	"sync/atomic"

	"github.com/ashuang/camunits-sub002/control"
	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/unit"
)

// Publisher is the output.mqtt_publish handler. It forwards its input and
// publishes every frame to the configured topic. Publish failures are
// counted; a lost connection is left to paho's auto-reconnect.
type Publisher struct {
	session

	in        framebuffer.Format
	published atomic.Uint64
	errors    atomic.Uint64
}

// Stats contains publisher statistics.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

func (p *Publisher) Setup(u *unit.Unit) error {
	u.SetInputRequirement(unit.AnyInput)
	return p.addControls(u)
}

func (p *Publisher) TrySetControl(_ *unit.Unit, c *control.Control, proposed any) (any, error) {
	if _, err := p.trySet(c, proposed); err != nil {
		return nil, err
	}
	return proposed, nil
}

func (p *Publisher) InputFormatChanged(u *unit.Unit, in *framebuffer.Format) {
	_ = u.RemoveAllOutputFormats()
	if in != nil {
		u.AddOutputFormat(*in)
	}
}

func (p *Publisher) StreamInit(u *unit.Unit, _ framebuffer.Format) error {
	in, ok := u.InputFormat()
	if !ok {
		return unit.ErrInputRequired
	}
	p.in = in
	return p.connect(u.Logger(), nil)
}

func (p *Publisher) StreamShutdown(u *unit.Unit) error {
	p.disconnect(u.Logger())
	return nil
}

func (p *Publisher) Process(u *unit.Unit, in *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	client, topic, qos, connected := p.settings()
	if !connected || client == nil {
		p.errors.Add(1)
		u.Logger().Debug("mqtt: not connected, frame not published", "topic", topic)
		return in.Ref(), nil
	}

	payload, err := Encode(in, p.in)
	if err != nil {
		return nil, err
	}
	token := client.Publish(topic, qos, false, payload)
	switch {
	case !token.WaitTimeout(publishTimeout):
		p.errors.Add(1)
		u.Logger().Warn("mqtt: publish timeout", "topic", topic)
	case token.Error() != nil:
		p.errors.Add(1)
		u.Logger().Warn("mqtt: publish failed", "topic", topic, "error", token.Error())
	default:
		p.published.Add(1)
		u.Logger().Debug("mqtt: frame published", "topic", topic, "qos", qos, "size", len(payload))
	}
	return in.Ref(), nil
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() Stats {
	_, _, _, connected := p.settings()
	return Stats{
		Connected: connected,
		Published: p.published.Load(),
		Errors:    p.errors.Load(),
	}
}
