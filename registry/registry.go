// Package registry maps unit identifiers ("<package>.<name>") to factories.
//
// Entries come from built-in drivers (AddDriver / Register) and from
// plugins found by Discover or Watch. Listing order is registration order.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashuang/camunits-sub002/unit"
)

var (
	ErrUnknownUnitIdentifier = errors.New("registry: unknown unit identifier")
	ErrDuplicateIdentifier   = errors.New("registry: duplicate identifier")
	ErrInvalidIdentifier     = errors.New("registry: invalid identifier")
)

// Factory builds the behavior of a new unit instance.
type Factory func() (unit.Handler, error)

// Entry is one registered unit type.
type Entry struct {
	ID      string
	Package string
	Name    string
	Factory Factory
}

// Driver is a group of unit types shipped together (a built-in package or
// a plugin).
type Driver struct {
	Name  string
	Units []Entry
}

// Registry is safe for concurrent use; plugin watching registers from a
// background goroutine.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int

	loadMu    sync.Mutex // serializes plugin loading
	plugins   map[string]bool
	pluginErr []error
	open      Opener
	logger    *slog.Logger
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:    make(map[string]int),
		plugins: make(map[string]bool),
		open:    openPlugin,
		logger:  slog.Default(),
	}
}

func validate(e Entry) error {
	if e.Package == "" || e.Factory == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, e.ID)
	}
	name, ok := strings.CutPrefix(e.ID, e.Package+".")
	if !ok || name == "" || strings.HasSuffix(name, ".") {
		return fmt.Errorf("%w: %q is not <%s>.<name>", ErrInvalidIdentifier, e.ID, e.Package)
	}
	return nil
}

// Register adds one unit type. On error the registry is unchanged.
func (r *Registry) Register(id, pkg, name string, f Factory) error {
	return r.AddDriver(Driver{Name: pkg, Units: []Entry{{ID: id, Package: pkg, Name: name, Factory: f}}})
}

// AddDriver registers every entry of d, or none of them.
func (r *Registry) AddDriver(d Driver) error {
	seen := make(map[string]bool, len(d.Units))
	for _, e := range d.Units {
		if err := validate(e); err != nil {
			return err
		}
		if seen[e.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, e.ID)
		}
		seen[e.ID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range d.Units {
		if _, exists := r.byID[e.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, e.ID)
		}
	}
	for _, e := range d.Units {
		r.byID[e.ID] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return nil
}

// truncate removes every entry registered after the first n.
func (r *Registry) truncate(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= len(r.entries) {
		return nil
	}
	var removed []string
	for _, e := range r.entries[n:] {
		delete(r.byID, e.ID)
		removed = append(removed, e.ID)
	}
	r.entries = r.entries[:n:n]
	return removed
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Instantiate builds a new unit of type id.
func (r *Registry) Instantiate(id string) (*unit.Unit, error) {
	e, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUnitIdentifier, id)
	}
	h, err := e.Factory()
	if err != nil {
		return nil, fmt.Errorf("registry: create %s: %w", id, err)
	}
	return unit.New(e.ID, e.Name, h)
}

// ListPackage returns identifiers in registration order.
//
// Non-recursive lists units of exactly pkg. Recursive also includes
// sub-packages ("input" covers "input.v4l" but not "inputs"); an empty pkg
// with recursive lists everything.
func (r *Registry) ListPackage(pkg string, recursive bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, e := range r.entries {
		if inPackage(e.Package, pkg, recursive) {
			out = append(out, e.ID)
		}
	}
	return out
}

func inPackage(have, want string, recursive bool) bool {
	if have == want {
		return true
	}
	if !recursive {
		return false
	}
	return want == "" || strings.HasPrefix(have, want+".")
}

// Packages returns the distinct package names in first-registration order.
func (r *Registry) Packages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, e := range r.entries {
		if !seen[e.Package] {
			seen[e.Package] = true
			out = append(out, e.Package)
		}
	}
	return out
}

// Len returns the number of registered unit types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
