package gstreamer

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Acceleration selects the H.264 decoder.
type Acceleration int

const (
	AccelAuto Acceleration = iota
	AccelVAAPI
	AccelSoftware
)

// TestLocation selects videotestsrc instead of an RTSP camera.
const TestLocation = "test://"

type pipelineConfig struct {
	Location     string
	Width        int
	Height       int
	FPS          float64
	Acceleration Acceleration
}

type pipelineElements struct {
	Pipeline   *gst.Pipeline
	AppSink    *app.Sink
	CapsFilter *gst.Element
	Source     *gst.Element
	Depay      *gst.Element // nil for the test source
	UsingVAAPI bool
}

// createPipeline builds, without starting:
//
//	rtspsrc → rtph264depay → decoder → [vaapipostproc] → videoconvert →
//	[videoscale] → videorate → capsfilter → appsink
//
// or, for TestLocation, videotestsrc → videoconvert → videoscale →
// videorate → capsfilter → appsink.
func createPipeline(cfg pipelineConfig, logger *slog.Logger) (*pipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstreamer: create pipeline: %w", err)
	}
	el := &pipelineElements{Pipeline: pipeline}

	var chain []*gst.Element
	if strings.HasPrefix(cfg.Location, TestLocation) {
		src, err := gst.NewElement("videotestsrc")
		if err != nil {
			return nil, fmt.Errorf("gstreamer: create videotestsrc: %w", err)
		}
		src.SetProperty("is-live", true)
		el.Source = src
		chain = append(chain, src)
	} else {
		src, err := gst.NewElement("rtspsrc")
		if err != nil {
			return nil, fmt.Errorf("gstreamer: create rtspsrc: %w", err)
		}
		src.SetProperty("location", cfg.Location)
		src.SetProperty("protocols", 4) // TCP only
		latency := 200
		if cfg.FPS <= 2.0 {
			latency = 50
		}
		src.SetProperty("latency", latency)
		src.SetProperty("ntp-sync", false)
		el.Source = src

		depay, err := gst.NewElement("rtph264depay")
		if err != nil {
			return nil, fmt.Errorf("gstreamer: create rtph264depay: %w", err)
		}
		depay.SetProperty("request-keyframe", true)
		el.Depay = depay

		decode, vaapi, err := decoderElements(cfg, logger)
		if err != nil {
			return nil, err
		}
		el.UsingVAAPI = vaapi
		chain = append(chain, src, depay)
		chain = append(chain, decode...)
	}

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gstreamer: create videoconvert: %w", err)
	}
	convert.SetProperty("n-threads", 0)
	chain = append(chain, convert)

	if !el.UsingVAAPI {
		scale, err := gst.NewElement("videoscale")
		if err != nil {
			return nil, fmt.Errorf("gstreamer: create videoscale: %w", err)
		}
		chain = append(chain, scale)
	}

	rate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("gstreamer: create videorate: %w", err)
	}
	rate.SetProperty("drop-only", true)
	rate.SetProperty("skip-to-first", true)

	caps, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gstreamer: create capsfilter: %w", err)
	}
	caps.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg.Width, cfg.Height, cfg.FPS)))
	el.CapsFilter = caps

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstreamer: create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)
	sink.SetProperty("qos", true)
	el.AppSink = sink

	chain = append(chain, rate, caps, sink.Element)
	pipeline.AddMany(chain...)

	// rtspsrc has dynamic pads; it is linked from pad-added.
	linked := chain
	if el.Depay != nil {
		linked = chain[1:]
	}
	if err := gst.ElementLinkMany(linked...); err != nil {
		return nil, fmt.Errorf("gstreamer: link pipeline: %w", err)
	}
	logger.Info("gstreamer: pipeline created",
		"location", cfg.Location,
		"vaapi", el.UsingVAAPI,
		"caps", buildCaps(cfg.Width, cfg.Height, cfg.FPS),
	)
	return el, nil
}

// decoderElements returns the decode stage for the requested acceleration.
// Auto falls back to software when VAAPI elements are missing.
func decoderElements(cfg pipelineConfig, logger *slog.Logger) ([]*gst.Element, bool, error) {
	software := func() ([]*gst.Element, bool, error) {
		dec, err := gst.NewElement("avdec_h264")
		if err != nil {
			return nil, false, fmt.Errorf("gstreamer: create avdec_h264: %w", err)
		}
		dec.SetProperty("max-threads", 0)
		dec.SetProperty("output-corrupt", false)
		return []*gst.Element{dec}, false, nil
	}
	vaapi := func() ([]*gst.Element, bool, error) {
		dec, err := gst.NewElement("vaapih264dec")
		if err != nil {
			return nil, false, fmt.Errorf("gstreamer: create vaapih264dec: %w", err)
		}
		dec.SetProperty("low-latency", true)
		post, err := gst.NewElement("vaapipostproc")
		if err != nil {
			return nil, false, fmt.Errorf("gstreamer: create vaapipostproc: %w", err)
		}
		post.SetProperty("format", "nv12")
		post.SetProperty("width", cfg.Width)
		post.SetProperty("height", cfg.Height)
		post.SetProperty("scale-method", 2)
		return []*gst.Element{dec, post}, true, nil
	}

	switch cfg.Acceleration {
	case AccelVAAPI:
		return vaapi()
	case AccelSoftware:
		return software()
	case AccelAuto:
		els, ok, err := vaapi()
		if err == nil {
			return els, ok, nil
		}
		logger.Warn("gstreamer: VAAPI unavailable, using software decoder", "error", err)
		return software()
	}
	return nil, false, fmt.Errorf("gstreamer: invalid acceleration mode %d", cfg.Acceleration)
}

// linkDynamicPad links a newly exposed rtspsrc pad to the depayloader.
func linkDynamicPad(srcPad *gst.Pad, depay *gst.Element, logger *slog.Logger) {
	sinkPad := depay.GetStaticPad("sink")
	if sinkPad == nil {
		logger.Error("gstreamer: depayloader has no sink pad")
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		logger.Error("gstreamer: failed to link pads", "src_pad", srcPad.GetName(), "ret", ret)
		return
	}
	logger.Debug("gstreamer: pads linked", "src_pad", srcPad.GetName())
}

// updateFramerate changes the capsfilter framerate without rebuilding the
// pipeline.
func updateFramerate(capsfilter *gst.Element, fps float64, width, height int) error {
	if capsfilter == nil {
		return fmt.Errorf("gstreamer: capsfilter is nil")
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(width, height, fps)))
	return nil
}

func destroyPipeline(el *pipelineElements) error {
	if el == nil || el.Pipeline == nil {
		return nil
	}
	if err := el.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstreamer: set pipeline to NULL: %w", err)
	}
	return nil
}

// buildCaps returns RGB caps with a framerate fraction. Rates below 1 Hz
// become 1/N.
func buildCaps(width, height int, fps float64) string {
	num, den := 1, 1
	if fps < 1.0 {
		den = int(1.0/fps + 0.5)
	} else {
		num = int(fps)
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d", width, height, num, den)
}
