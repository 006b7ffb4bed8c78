package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashuang/camunits-sub002/chain"
	"github.com/ashuang/camunits-sub002/eventloop"
)

// UnitHealth is the condition of one chain position.
type UnitHealth struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
	Stats string `json:"stats,omitempty"`
}

// HealthStatus represents the health of the running chain.
type HealthStatus struct {
	Status        string       `json:"status"` // "healthy", "degraded", "unhealthy"
	Chain         string       `json:"chain"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Frames        uint64       `json:"frames"`
	Errors        uint64       `json:"errors"`
	Units         []UnitHealth `json:"units"`
}

type healthServer struct {
	chain   *chain.Chain
	loop    *eventloop.Loop
	started time.Time
}

// HealthCheck maps the chain state to a health status: every unit streaming
// is healthy, a fault or a partially streaming chain is degraded, nothing
// streaming is unhealthy.
func (h *healthServer) HealthCheck() HealthStatus {
	st := h.chain.Status()
	ls := h.loop.Stats()

	status := HealthStatus{
		Chain:         st.State.String(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Frames:        ls.Frames,
		Errors:        ls.Errors,
	}
	for _, u := range h.chain.Units() {
		uh := UnitHealth{ID: u.ID(), State: u.State().String(), Stats: unitStats(u.Handler())}
		if err := u.Err(); err != nil {
			uh.Error = err.Error()
		}
		status.Units = append(status.Units, uh)
	}

	switch st.State {
	case chain.Streaming:
		status.Status = "healthy"
	case chain.Idle:
		status.Status = "unhealthy"
	default:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health. Returns 200 while the process runs.
func (h *healthServer) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(h.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. Returns 503 when nothing streams.
func (h *healthServer) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := h.HealthCheck()
	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics in the Prometheus text format.
func (h *healthServer) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	ls := h.loop.Stats()
	id := h.chain.ID()
	fmt.Fprintf(w, "camchain_uptime_seconds{chain=%q} %d\n", id, int64(time.Since(h.started).Seconds()))
	fmt.Fprintf(w, "camchain_frames_total{chain=%q} %d\n", id, ls.Frames)
	fmt.Fprintf(w, "camchain_pump_errors_total{chain=%q} %d\n", id, ls.Errors)
	fmt.Fprintf(w, "camchain_ticks_total{chain=%q} %d\n", id, ls.Ticks)
	fmt.Fprintf(w, "camchain_wakes_total{chain=%q} %d\n", id, ls.Wakes)
	for i, u := range h.chain.Units() {
		fmt.Fprintf(w, "camchain_unit_state{chain=%q,position=\"%d\",unit=%q} %d\n", id, i, u.ID(), int(u.State()))
	}
}

func (h *healthServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.LivenessHandler)
	mux.HandleFunc("/readiness", h.ReadinessHandler)
	mux.HandleFunc("/metrics", h.MetricsHandler)
	return mux
}

// start serves the health endpoints on port without blocking. The returned
// server is shut down by the caller.
func (h *healthServer) start(port string) *http.Server {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      h.handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()
	return server
}
