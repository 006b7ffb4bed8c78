package gstreamer

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline errors for telemetry.
type ErrorCategory int

const (
	ErrCategoryNetwork ErrorCategory = iota
	ErrCategoryCodec
	ErrCategoryAuth
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	}
	return "unknown"
}

var (
	authKeywords = []string{
		"unauthorized", "401", "403", "forbidden",
		"authentication", "credentials", "password", "username",
	}
	codecKeywords = []string{
		"codec", "decode", "encode", "format", "negotiation", "caps",
		"h264", "h265", "mjpeg", "jpeg", "not negotiated", "no decoder", "missing plugin",
	}
	networkKeywords = []string{
		"connection", "timeout", "unreachable", "network", "dns", "resolve",
		"socket", "tcp", "udp", "rtsp", "not found", "could not connect", "failed to connect",
	}
)

// ClassifyError categorizes a GStreamer error. go-gst's GError does not
// expose its domain, so classification matches on message text.
func ClassifyError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(gerr.Error(), gerr.DebugString())
}

// classify checks auth first (most specific), then codec, then network.
func classify(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)
	switch {
	case containsAny(combined, authKeywords):
		return ErrCategoryAuth
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	}
	return ErrCategoryUnknown
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
