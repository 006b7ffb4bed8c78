package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

// ReconnectConfig controls exponential backoff between pipeline restarts.
type ReconnectConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultReconnectConfig retries five times: 1s, 2s, 4s, 8s, 16s.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

type connectFunc func(ctx context.Context) error

type reconnector struct {
	cfg    ReconnectConfig
	clock  clock.Clock
	logger *slog.Logger

	retries    atomic.Int32
	reconnects atomic.Uint32
}

// run calls connect until it returns nil or ctx is done, backing off
// after each failure. A connect that reached PLAYING calls reset, so only
// consecutive failures count against MaxRetries.
func (r *reconnector) run(ctx context.Context, connect connectFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := connect(ctx)
		if err == nil {
			r.retries.Store(0)
			return nil
		}
		r.logger.Error("gstreamer: pipeline failed", "error", err)

		attempt := int(r.retries.Add(1))
		r.reconnects.Add(1)
		if attempt > r.cfg.MaxRetries {
			return fmt.Errorf("gstreamer: max retries exceeded (%d attempts): %w", r.cfg.MaxRetries, err)
		}

		delay := backoff(attempt, r.cfg)
		r.logger.Warn("gstreamer: retrying pipeline",
			"attempt", attempt,
			"max_retries", r.cfg.MaxRetries,
			"delay", delay,
		)
		select {
		case <-r.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *reconnector) reset() {
	r.retries.Store(0)
}

// backoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func backoff(attempt int, cfg ReconnectConfig) time.Duration {
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
