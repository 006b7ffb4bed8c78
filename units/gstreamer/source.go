// Package gstreamer provides input.rtsp, an asynchronous source that
// decodes an RTSP H.264 stream (or videotestsrc) with GStreamer and hands
// RGB frames to the chain through a latest-wins mailbox.
//
// Pipeline errors are classified and retried with exponential backoff;
// once retries are exhausted the unit faults on its next Process.
package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/ashuang/camunits-sub002/control"
	"github.com/ashuang/camunits-sub002/framebuffer"
	"github.com/ashuang/camunits-sub002/mailbox"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
)

const (
	ID = "input.rtsp"

	DefaultLocation = "rtsp://localhost:8554/stream"

	// Metadata keys attached to every frame.
	MetaTraceID  = "trace_id"
	MetaSequence = "sequence"
	MetaSource   = "source"

	busPoll = 50 * time.Millisecond
)

var ErrSizeFixed = errors.New("gstreamer: frame size cannot change while streaming")

var accelNames = []string{"auto", "vaapi", "software"}

// Driver registers input.rtsp. A nil clock uses the wall clock for
// reconnect backoff.
func Driver(clk clock.Clock) registry.Driver {
	if clk == nil {
		clk = clock.WallClock
	}
	return registry.Driver{
		Name: "gstreamer",
		Units: []registry.Entry{{
			ID:      ID,
			Package: "input",
			Name:    "RTSP Camera",
			Factory: func() (unit.Handler, error) { return &Source{clock: clk}, nil },
		}},
	}
}

// Source is the input.rtsp handler.
type Source struct {
	clock clock.Clock
	slot  *mailbox.Slot

	mu       sync.Mutex
	location string
	width    int
	height   int
	fps      float64
	accel    Acceleration
	elements *pipelineElements
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	rec      *reconnector

	frames        atomic.Uint64
	bytesRead     atomic.Uint64
	errorsNetwork atomic.Uint64
	errorsCodec   atomic.Uint64
	errorsAuth    atomic.Uint64
	errorsUnknown atomic.Uint64
}

// Stats contains capture statistics.
type Stats struct {
	Frames        uint64
	BytesRead     uint64
	Reconnects    uint32
	ErrorsNetwork uint64
	ErrorsCodec   uint64
	ErrorsAuth    uint64
	ErrorsUnknown uint64
	Mailbox       mailbox.Stats
}

func (s *Source) Setup(u *unit.Unit) error {
	s.slot = mailbox.New()
	s.location, s.width, s.height, s.fps = DefaultLocation, 640, 480, 5

	loc, err := control.NewString("location", "Location", s.location)
	if err != nil {
		return err
	}
	w, err := control.NewInt("width", "Width", 16, 4096, 2, s.width)
	if err != nil {
		return err
	}
	h, err := control.NewInt("height", "Height", 16, 4096, 2, s.height)
	if err != nil {
		return err
	}
	fps, err := control.NewFloat("fps", "Target FPS", 0.1, 60, 0, s.fps)
	if err != nil {
		return err
	}
	accel, err := control.NewEnum("acceleration", "Hardware acceleration", 0, control.EnumNames(accelNames...))
	if err != nil {
		return err
	}
	for _, c := range []*control.Control{loc, w, h, fps, accel} {
		if err := u.AddControl(c); err != nil {
			return err
		}
	}
	u.AddOutputFormat(s.format())
	return nil
}

func (s *Source) format() framebuffer.Format {
	return framebuffer.MustFormat(framebuffer.PixelFormatRGB,
		fmt.Sprintf("%dx%d RGB", s.width, s.height), s.width, s.height, 0)
}

// TrySetControl applies fps to a running pipeline; the size is fixed while
// streaming, every other control takes effect on the next StreamInit.
func (s *Source) TrySetControl(u *unit.Unit, c *control.Control, proposed any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c.Name() {
	case "location":
		if proposed.(string) == "" {
			return nil, fmt.Errorf("gstreamer: empty location")
		}
		s.location = proposed.(string)
	case "width", "height":
		if u.State() != unit.Idle {
			return nil, ErrSizeFixed
		}
		if c.Name() == "width" {
			s.width = proposed.(int)
		} else {
			s.height = proposed.(int)
		}
		if err := u.SetOutputFormats(s.format()); err != nil {
			return nil, err
		}
	case "fps":
		s.fps = proposed.(float64)
		if s.elements != nil {
			if err := updateFramerate(s.elements.CapsFilter, s.fps, s.width, s.height); err != nil {
				return nil, err
			}
			u.Logger().Info("gstreamer: target fps updated", "fps", s.fps)
		}
	case "acceleration":
		s.accel = Acceleration(proposed.(int))
	}
	return proposed, nil
}

func (s *Source) StreamInit(u *unit.Unit, f framebuffer.Format) error {
	s.mu.Lock()
	cfg := pipelineConfig{
		Location:     s.location,
		Width:        f.Width,
		Height:       f.Height,
		FPS:          s.fps,
		Acceleration: s.accel,
	}
	s.mu.Unlock()

	if err := s.start(u, cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &reconnector{cfg: DefaultReconnectConfig(), clock: s.clock, logger: u.Logger()}
	s.mu.Lock()
	s.cancel = cancel
	s.rec = rec
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		first := true
		err := rec.run(ctx, func(ctx context.Context) error {
			if !first {
				if err := s.start(u, cfg); err != nil {
					return err
				}
			}
			first = false
			err := s.monitor(ctx, u, rec)
			s.stop()
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.slot.Fail(err)
		}
	}()
	u.Logger().Info("gstreamer: stream started", "location", cfg.Location, "format", f.Name)
	return nil
}

// start builds the pipeline, installs callbacks and sets it PLAYING.
func (s *Source) start(u *unit.Unit, cfg pipelineConfig) error {
	el, err := createPipeline(cfg, u.Logger())
	if err != nil {
		return err
	}
	el.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink, cfg)
		},
	})
	if el.Depay != nil {
		depay := el.Depay
		el.Source.Connect("pad-added", func(_ *gst.Element, pad *gst.Pad) {
			linkDynamicPad(pad, depay, u.Logger())
		})
	}
	if err := el.Pipeline.SetState(gst.StatePlaying); err != nil {
		_ = destroyPipeline(el)
		return fmt.Errorf("gstreamer: start pipeline: %w", err)
	}
	s.mu.Lock()
	s.elements = el
	s.mu.Unlock()
	return nil
}

func (s *Source) stop() {
	s.mu.Lock()
	el := s.elements
	s.elements = nil
	s.mu.Unlock()
	_ = destroyPipeline(el)
}

// onNewSample runs on a GStreamer streaming thread. A bad sample is
// skipped; it never ends the stream.
//
// The mapped sample memory is handed to the chain without copying. The
// sample stays referenced and mapped until the last holder releases the
// frame, which returns it to GStreamer.
func (s *Source) onNewSample(sink *app.Sink, cfg pipelineConfig) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return gst.FlowOK
	}
	size := int(mapInfo.Size())
	if size == 0 || mapInfo.Data() == nil {
		buffer.Unmap()
		return gst.FlowOK
	}
	data := unsafe.Slice((*byte)(mapInfo.Data()), size)
	fb := framebuffer.Wrap(data, func([]byte) {
		buffer.Unmap()
		runtime.KeepAlive(sample)
	})
	s.deliver(fb, cfg.Location)
	return gst.FlowOK
}

// deliver stamps a captured frame and hands it to the mailbox. A frame it
// replaces is released, returning its storage to the capture pipeline.
func (s *Source) deliver(fb *framebuffer.FrameBuffer, location string) {
	seq := s.frames.Add(1)
	s.bytesRead.Add(uint64(fb.BytesUsed))
	fb.Timestamp = s.clock.Now()
	fb.SetMetadata(MetaTraceID, []byte(uuid.NewString()))
	fb.SetMetadata(MetaSequence, []byte(strconv.FormatUint(seq, 10)))
	fb.SetMetadata(MetaSource, []byte(location))
	s.slot.Put(fb)
}

// monitor polls the pipeline bus until ctx is done (nil) or the pipeline
// reports EOS or an error.
func (s *Source) monitor(ctx context.Context, u *unit.Unit, rec *reconnector) error {
	s.mu.Lock()
	el := s.elements
	s.mu.Unlock()
	if el == nil {
		return fmt.Errorf("gstreamer: pipeline not initialized")
	}
	bus := el.Pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		msg := bus.TimedPop(busPoll)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			u.Logger().Info("gstreamer: end of stream", "frames", s.frames.Load())
			return fmt.Errorf("gstreamer: end of stream")
		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyError(gerr)
			s.countError(category)
			u.Logger().Error("gstreamer: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			return fmt.Errorf("gstreamer: pipeline error [%s]: %s", category, gerr.Error())
		case gst.MessageStateChanged:
			if msg.Source() == el.Pipeline.GetName() {
				_, state := msg.ParseStateChanged()
				if state == gst.StatePlaying {
					rec.reset()
					u.Logger().Debug("gstreamer: pipeline playing")
				}
			}
		}
	}
}

func (s *Source) countError(c ErrorCategory) {
	switch c {
	case ErrCategoryNetwork:
		s.errorsNetwork.Add(1)
	case ErrCategoryCodec:
		s.errorsCodec.Add(1)
	case ErrCategoryAuth:
		s.errorsAuth.Add(1)
	default:
		s.errorsUnknown.Add(1)
	}
}

func (s *Source) StreamShutdown(u *unit.Unit) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.stop()
	s.slot.Reset()
	u.Logger().Info("gstreamer: stream stopped", "frames", s.frames.Load())
	return nil
}

func (s *Source) WaitHandle(*unit.Unit) <-chan struct{} { return s.slot.WaitHandle() }

func (s *Source) Process(*unit.Unit, *framebuffer.FrameBuffer) (*framebuffer.FrameBuffer, error) {
	return s.slot.Take()
}

// Stats returns capture statistics.
func (s *Source) Stats() Stats {
	st := Stats{
		Frames:        s.frames.Load(),
		BytesRead:     s.bytesRead.Load(),
		ErrorsNetwork: s.errorsNetwork.Load(),
		ErrorsCodec:   s.errorsCodec.Load(),
		ErrorsAuth:    s.errorsAuth.Load(),
		ErrorsUnknown: s.errorsUnknown.Load(),
		Mailbox:       s.slot.Stats(),
	}
	s.mu.Lock()
	if s.rec != nil {
		st.Reconnects = s.rec.reconnects.Load()
	}
	s.mu.Unlock()
	return st
}
