package registry

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch loads plugins created in dirs while ctx is alive. Existing files
// should be loaded with Discover first. Plugins must be installed
// atomically (written elsewhere, then moved in) since the file is opened on
// its Create event. Blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, dirs ...string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: watch: %w", err)
	}
	defer w.Close()

	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			r.logger.Warn("registry: cannot watch plugin dir", "dir", d, "error", err)
		}
	}
	if len(w.WatchList()) == 0 {
		return fmt.Errorf("registry: watch: no usable plugin directory in %v", dirs)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".so" || !ev.Has(fsnotify.Create) {
				continue
			}
			r.logger.Debug("registry: plugin file appeared", "path", ev.Name)
			_ = r.LoadPlugin(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("registry: watch error", "error", err)
		}
	}
}
