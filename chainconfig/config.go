// Package chainconfig loads chain descriptions and host settings from YAML,
// builds chains from them and snapshots running chains back.
//
//	log_level: info
//	tick_interval: 10ms
//	plugin_path: [/usr/lib/camunits]
//	health_port: "8080"
//	chain:
//	  - id: input.example
//	    format: {width: 320, height: 240}
//	    controls: {fps: "30"}
//	  - id: convert.to_gray
//	  - id: output.snapshot
//	    controls: {directory: /tmp/snaps, every: 10}
package chainconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a camchain configuration file.
type Config struct {
	LogLevel         string        `yaml:"log_level"`  // debug, info, warn, error
	LogFormat        string        `yaml:"log_format"` // text, json
	TickInterval     time.Duration `yaml:"tick_interval"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"`
	StatsIntervalS   int           `yaml:"stats_interval_s"` // 0 disables the stats reporter
	PluginPath       []string      `yaml:"plugin_path,omitempty"`
	WatchPlugins     bool          `yaml:"watch_plugins"`
	HealthPort       string        `yaml:"health_port,omitempty"` // empty disables the health server
	Units            []UnitConfig  `yaml:"chain"`
}

// UnitConfig describes one chain position.
type UnitConfig struct {
	ID       string         `yaml:"id"`
	Format   *FormatConfig  `yaml:"format,omitempty"`
	Controls map[string]any `yaml:"controls,omitempty"`
}

// FormatConfig is an output format preference. Empty fields are ignored.
type FormatConfig struct {
	Name        string `yaml:"name,omitempty"`
	PixelFormat string `yaml:"pixelformat,omitempty"`
	Width       int    `yaml:"width,omitempty"`
	Height      int    `yaml:"height,omitempty"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chainconfig: read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("chainconfig: parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("chainconfig: invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Marshal encodes cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
