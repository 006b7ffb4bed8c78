// Package builtin registers every unit driver shipped with camunits.
package builtin

import (
	"fmt"

	"github.com/juju/clock"

	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/units/convert"
	"github.com/ashuang/camunits-sub002/units/example"
	"github.com/ashuang/camunits-sub002/units/filter"
	"github.com/ashuang/camunits-sub002/units/gstreamer"
	"github.com/ashuang/camunits-sub002/units/jpeg"
	"github.com/ashuang/camunits-sub002/units/mqtt"
	"github.com/ashuang/camunits-sub002/units/snapshot"
	"github.com/ashuang/camunits-sub002/units/wsrelay"
)

// Options injects the external dependencies of the built-in drivers. The
// zero value uses the wall clock and a real paho client.
type Options struct {
	Clock      clock.Clock
	MQTTDialer mqtt.Dialer
}

// Drivers returns the built-in drivers in registration order.
func Drivers(opts Options) []registry.Driver {
	return []registry.Driver{
		example.Driver(opts.Clock),
		gstreamer.Driver(opts.Clock),
		mqtt.Driver(opts.MQTTDialer),
		filter.Driver(),
		convert.Driver(),
		jpeg.Driver(),
		snapshot.Driver(),
		wsrelay.Driver(),
	}
}

// Register adds every built-in driver to r. It stops at the first driver
// that fails to register; drivers before it stay registered.
func Register(r *registry.Registry, opts Options) error {
	for _, d := range Drivers(opts) {
		if err := r.AddDriver(d); err != nil {
			return fmt.Errorf("builtin: register %s: %w", d.Name, err)
		}
	}
	return nil
}
