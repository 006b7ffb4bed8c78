// Command camchain builds a unit chain from a YAML file and streams it until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashuang/camunits-sub002/chain"
	"github.com/ashuang/camunits-sub002/chainconfig"
	"github.com/ashuang/camunits-sub002/eventloop"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/units/builtin"
)

const defaultConfigPath = "config/camchain.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	list := flag.Bool("list", false, "List available units and exit")
	dump := flag.Bool("dump", false, "Print the resolved chain as YAML and exit")
	pluginPath := flag.String("plugin-path", "", "Extra plugin directories (colon separated)")
	healthPort := flag.String("health-port", "", "Serve health endpoints on this port (overrides config)")
	flag.Parse()

	if *list {
		reg := newRegistry(splitPath(*pluginPath))
		printUnits(os.Stdout, reg)
		return
	}

	cfg, err := chainconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *healthPort != "" {
		cfg.HealthPort = *healthPort
	}
	setupLogger(cfg)

	slog.Info("starting camchain",
		"config", *configPath,
		"units", len(cfg.Units),
	)

	dirs := append(splitPath(*pluginPath), cfg.PluginPath...)
	reg := newRegistry(dirs)

	c := chain.New(reg)
	defer c.Close()
	if err := chainconfig.Build(c, cfg.Units); err != nil {
		slog.Error("failed to build chain", "error", err)
		os.Exit(1)
	}

	if *dump {
		out := &chainconfig.Config{Units: chainconfig.Snapshot(c)}
		data, err := chainconfig.Marshal(out)
		if err != nil {
			slog.Error("failed to encode chain", "error", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		return
	}

	if err := run(cfg, c, reg, dirs); err != nil {
		slog.Error("camchain failed", "error", err)
		os.Exit(1)
	}
	slog.Info("camchain stopped successfully")
}

func run(cfg *chainconfig.Config, c *chain.Chain, reg *registry.Registry, dirs []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if failed, err := c.AllUnitsStreamInit(); err != nil {
		// Units before the failing one are left streaming.
		if serr := c.AllUnitsStreamShutdown(); serr != nil {
			slog.Warn("stream shutdown reported errors", "error", serr)
		}
		if failed != nil {
			return fmt.Errorf("stream init failed at %s: %w", failed.ID(), err)
		}
		return err
	}

	if cfg.WatchPlugins {
		go func() {
			if err := reg.Watch(ctx, registry.SearchPath(dirs...)...); err != nil {
				slog.Warn("plugin watcher stopped", "error", err)
			}
		}()
	}

	loop := eventloop.New(c, eventloop.Config{
		TickInterval: cfg.TickInterval,
		OnError: func(err error) {
			slog.Error("chain error", "error", err)
		},
	})

	start := time.Now()
	if cfg.StatsIntervalS > 0 {
		go reportStats(ctx, time.Duration(cfg.StatsIntervalS)*time.Second, c, loop)
	}
	if cfg.HealthPort != "" {
		hs := &healthServer{chain: c, loop: loop, started: start}
		server := hs.start(cfg.HealthPort)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- loop.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("event loop error", "error", runErr)
		}
	}

	timeout := time.Duration(cfg.ShutdownTimeoutS) * time.Second
	slog.Info("shutting down gracefully", "timeout", timeout)

	done := make(chan error, 1)
	go func() { done <- c.AllUnitsStreamShutdown() }()

	select {
	case err := <-done:
		if err != nil {
			slog.Warn("stream shutdown reported errors", "error", err)
		}
	case <-time.After(timeout):
		return fmt.Errorf("stream shutdown timed out after %v", timeout)
	}

	printFinalStats(os.Stdout, time.Since(start), c, loop)
	return runErr
}

func setupLogger(cfg *chainconfig.Config) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func newRegistry(dirs []string) *registry.Registry {
	reg := registry.New()
	if err := builtin.Register(reg, builtin.Options{}); err != nil {
		slog.Error("failed to register built-in units", "error", err)
		os.Exit(1)
	}
	for _, err := range reg.Discover(registry.SearchPath(dirs...)...) {
		slog.Warn("plugin not loaded", "error", err)
	}
	return reg
}

func splitPath(s string) []string {
	if s == "" {
		return nil
	}
	var dirs []string
	for _, d := range strings.Split(s, ":") {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// printUnits writes every registered unit grouped by package.
func printUnits(w io.Writer, reg *registry.Registry) {
	for _, pkg := range reg.Packages() {
		fmt.Fprintf(w, "%s:\n", pkg)
		for _, id := range reg.ListPackage(pkg, false) {
			e, _ := reg.Lookup(id)
			fmt.Fprintf(w, "  %-28s %s\n", id, e.Name)
		}
	}
	for _, err := range reg.PluginErrors() {
		fmt.Fprintf(w, "! %v\n", err)
	}
}
