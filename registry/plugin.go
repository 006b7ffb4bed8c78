package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"strings"
)

// Plugin entry point symbols.
const (
	InitializeSymbol = "CamunitsInitialize"
	CreateSymbol     = "CamunitsCreate"
)

// PluginPathEnv lists extra plugin directories, colon separated.
const PluginPathEnv = "CAMUNITS_PLUGIN_PATH"

// InitializeFunc registers a plugin's unit types.
type InitializeFunc = func(r *Registry) error

// CreateFunc returns the plugin's driver.
type CreateFunc = func() Driver

var ErrPluginSymbol = errors.New("registry: plugin entry point missing or mistyped")

// Plugin is the subset of *plugin.Plugin used by discovery.
type Plugin interface {
	Lookup(symName string) (plugin.Symbol, error)
}

// Opener loads a plugin file.
type Opener func(path string) (Plugin, error)

func openPlugin(path string) (Plugin, error) {
	return plugin.Open(path)
}

// PluginError records a plugin that failed to load or register.
type PluginError struct {
	Path string
	Err  error
}

func (e *PluginError) Error() string { return fmt.Sprintf("registry: plugin %s: %v", e.Path, e.Err) }
func (e *PluginError) Unwrap() error { return e.Err }

// SetOpener replaces the plugin loader (tests, sandboxes).
func (r *Registry) SetOpener(o Opener) {
	r.mu.Lock()
	r.open = o
	r.mu.Unlock()
}

// SearchPath returns dirs followed by the directories in CAMUNITS_PLUGIN_PATH.
func SearchPath(dirs ...string) []string {
	out := append([]string(nil), dirs...)
	for _, d := range strings.Split(os.Getenv(PluginPathEnv), ":") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// Discover loads every *.so in dirs. Each file is loaded at most once per
// registry; failures are recorded and skipped. The returned slice holds the
// failures of this call.
func (r *Registry) Discover(dirs ...string) []error {
	var errs []error
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.so"))
		if err != nil {
			errs = append(errs, r.recordPluginError(dir, err))
			continue
		}
		sort.Strings(matches)
		for _, path := range matches {
			if err := r.LoadPlugin(path); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// LoadPlugin loads one plugin file unless it was already seen.
func (r *Registry) LoadPlugin(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	r.mu.Lock()
	if r.plugins[abs] {
		r.mu.Unlock()
		return nil
	}
	r.plugins[abs] = true
	open := r.open
	r.mu.Unlock()

	p, err := open(abs)
	if err != nil {
		return r.recordPluginError(abs, err)
	}

	initSym, err := p.Lookup(InitializeSymbol)
	if err != nil {
		return r.recordPluginError(abs, fmt.Errorf("%w: %v", ErrPluginSymbol, err))
	}
	initialize, ok := initSym.(InitializeFunc)
	if !ok {
		return r.recordPluginError(abs, fmt.Errorf("%w: %s is %T", ErrPluginSymbol, InitializeSymbol, initSym))
	}
	createSym, err := p.Lookup(CreateSymbol)
	if err != nil {
		return r.recordPluginError(abs, fmt.Errorf("%w: %v", ErrPluginSymbol, err))
	}
	create, ok := createSym.(CreateFunc)
	if !ok {
		return r.recordPluginError(abs, fmt.Errorf("%w: %s is %T", ErrPluginSymbol, CreateSymbol, createSym))
	}

	// A plugin registers all of its units or none: whatever initialize
	// added is removed again if initialize or create fails.
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	mark := r.Len()
	rollback := func(err error) error {
		if removed := r.truncate(mark); len(removed) > 0 {
			r.logger.Warn("registry: plugin units withdrawn", "path", abs, "units", removed)
		}
		return r.recordPluginError(abs, err)
	}

	if err := initialize(r); err != nil {
		return rollback(fmt.Errorf("initialize: %w", err))
	}
	d := create()
	if len(d.Units) > 0 {
		if err := r.AddDriver(d); err != nil {
			return rollback(fmt.Errorf("create: %w", err))
		}
	}

	r.logger.Info("registry: plugin loaded", "path", abs, "driver", d.Name, "units", len(d.Units))
	return nil
}

func (r *Registry) recordPluginError(path string, err error) error {
	pe := &PluginError{Path: path, Err: err}
	r.mu.Lock()
	r.pluginErr = append(r.pluginErr, pe)
	r.mu.Unlock()
	r.logger.Warn("registry: plugin skipped", "path", path, "error", err)
	return pe
}

// PluginErrors returns every plugin failure recorded so far.
func (r *Registry) PluginErrors() []error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]error(nil), r.pluginErr...)
}

// Plugins returns the paths of every plugin file attempted.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for p := range r.plugins {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
