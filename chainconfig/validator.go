package chainconfig

import (
	"fmt"
	"regexp"
	"time"

	"github.com/ashuang/camunits-sub002/framebuffer"
)

const (
	DefaultTickInterval     = 10 * time.Millisecond
	DefaultShutdownTimeoutS = 5
)

var unitIDPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// Validate checks cfg and fills defaults.
func Validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "":
		cfg.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "":
		cfg.LogFormat = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", cfg.LogFormat)
	}

	if cfg.TickInterval < 0 {
		return fmt.Errorf("tick_interval must be >= 0")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = DefaultShutdownTimeoutS
	}
	if cfg.StatsIntervalS < 0 {
		return fmt.Errorf("stats_interval_s must be >= 0")
	}

	for i, u := range cfg.Units {
		if err := ValidateUnit(u); err != nil {
			return fmt.Errorf("chain[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateUnit checks one chain entry.
func ValidateUnit(u UnitConfig) error {
	if u.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !unitIDPattern.MatchString(u.ID) {
		return fmt.Errorf("id %q must look like <package>.<name>", u.ID)
	}
	if f := u.Format; f != nil {
		if f.PixelFormat != "" {
			if _, err := framebuffer.ParsePixelFormat(f.PixelFormat); err != nil {
				return fmt.Errorf("%s: %w", u.ID, err)
			}
		}
		if f.Width < 0 || f.Height < 0 {
			return fmt.Errorf("%s: negative format size", u.ID)
		}
	}
	for name := range u.Controls {
		if name == "" {
			return fmt.Errorf("%s: empty control name", u.ID)
		}
	}
	return nil
}
