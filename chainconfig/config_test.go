package chainconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/ashuang/camunits-sub002/chain"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/units/builtin"
)

const sample = `
log_level: debug
tick_interval: 20ms
chain:
  - id: input.example
    format: {width: 320, height: 240}
    controls: {fps: "30", invert: true}
  - id: convert.to_gray
  - id: output.snapshot
    controls: {every: 10, encoding: jpeg}
`

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camchain.yaml")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "text" {
		t.Errorf("log = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.TickInterval != 20*time.Millisecond {
		t.Errorf("tick = %v", cfg.TickInterval)
	}
	if cfg.ShutdownTimeoutS != DefaultShutdownTimeoutS {
		t.Errorf("shutdown = %d", cfg.ShutdownTimeoutS)
	}
	if len(cfg.Units) != 3 || cfg.Units[0].Format.Width != 320 {
		t.Fatalf("units = %+v", cfg.Units)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name, yaml, want string
	}{
		{"bad level", "log_level: loud", "log_level"},
		{"bad format", "log_format: xml", "log_format"},
		{"missing id", "chain: [{controls: {a: 1}}]", "id is required"},
		{"bad id", "chain: [{id: example}]", "<package>.<name>"},
		{"bad pixelformat", "chain: [{id: input.example, format: {pixelformat: WAT}}]", "input.example"},
		{"negative tick", "tick_interval: -1s", "tick_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse(%q) = %v, want error containing %q", tt.yaml, err, tt.want)
			}
		})
	}
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	if err := builtin.Register(r, builtin.Options{Clock: testclock.NewClock(time.Now())}); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBuildAndSnapshot(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	c := chain.New(newRegistry(t))
	if err := Build(c, cfg.Units); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d", c.Len())
	}

	src := c.Unit(0)
	if f, _ := src.OutputFormat(); f.Width != 320 || f.Height != 240 {
		t.Errorf("source format = %s", f)
	}
	if ctl, _ := src.Control("fps"); ctl.String() != "30" {
		t.Errorf("fps = %s", ctl.String())
	}
	gray, _ := c.Unit(1).OutputFormat()
	if gray.Width != 320 || gray.PixelFormat.String() != "GRAY" {
		t.Errorf("gray format = %s", gray)
	}
	if !c.StreamCapable() {
		t.Errorf("built chain not stream capable: %v", c.Incompatibility())
	}

	snap := Snapshot(c)
	if len(snap) != 3 || snap[0].ID != "input.example" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].Format == nil || snap[0].Format.Name != "320x240 RGB" {
		t.Errorf("snapshot format = %+v", snap[0].Format)
	}
	if snap[0].Controls["fps"] != "30" || snap[0].Controls["invert"] != true {
		t.Errorf("snapshot controls = %v", snap[0].Controls)
	}
	if snap[2].Controls["encoding"] != "jpeg" || snap[2].Controls["every"] != 10 {
		t.Errorf("snapshot controls = %v", snap[2].Controls)
	}

	// The snapshot round-trips through YAML into an equivalent chain.
	data, err := Marshal(&Config{Units: snap})
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(snapshot): %v\n%s", err, data)
	}
	c2 := chain.New(newRegistry(t))
	if err := Build(c2, again.Units); err != nil {
		t.Fatalf("Build(snapshot): %v", err)
	}
	if f, _ := c2.Unit(0).OutputFormat(); f.Name != "320x240 RGB" {
		t.Errorf("rebuilt source format = %s", f)
	}
}

func TestBuildUnknownControl(t *testing.T) {
	c := chain.New(newRegistry(t))
	err := Build(c, []UnitConfig{{ID: "input.example", Controls: map[string]any{"nope": 1}}})
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("err = %v", err)
	}
}

func TestBuildUnknownUnit(t *testing.T) {
	c := chain.New(newRegistry(t))
	err := Build(c, []UnitConfig{{ID: "input.nothing"}})
	if err == nil || !strings.Contains(err.Error(), "chain[0]") {
		t.Fatalf("err = %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("len = %d", c.Len())
	}
}
