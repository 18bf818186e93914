// SPDX-License-Identifier: LGPL-3.0-or-later

package registry

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pawitp/libvirt/logger"
)

// ConfigWatcher watches Layout.ConfigDir for externally-made changes (an
// operator hand-editing an XML file on disk) and re-parses affected
// domains, per the live-reload facility named in SPEC_FULL.md §11. It is
// optional: the registry is fully correct without it, relying only on the
// startup directory scan (§4.4); this just narrows the window during
// which an on-disk edit and the in-memory definition can disagree.
type ConfigWatcher struct {
	store  *Store
	reg    *Registry
	log    logger.Logger
	fsw    *fsnotify.Watcher
	stop   chan struct{}
}

// NewConfigWatcher starts watching store's ConfigDir. Callers should call
// Close when done.
func NewConfigWatcher(store *Store, reg *Registry, log logger.Logger) (*ConfigWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(store.layout.ConfigDir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &ConfigWatcher{store: store, reg: reg, log: log, fsw: fsw, stop: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *ConfigWatcher) Close() error {
	close(w.stop)
	return w.fsw.Close()
}

func (w *ConfigWatcher) loop() {
	debounce := make(map[string]time.Time)
	const debounceWindow = 500 * time.Millisecond

	for {
		select {
		case <-w.stop:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".xml") {
				continue
			}
			now := time.Now()
			if last, seen := debounce[ev.Name]; seen && now.Sub(last) < debounceWindow {
				continue
			}
			debounce[ev.Name] = now
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config directory watcher error", "error", err)
		}
	}
}

func (w *ConfigWatcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
		w.reload(ev.Name)
	case ev.Op&fsnotify.Remove != 0:
		w.log.Debug("domain config removed on disk, in-memory definition kept until explicit undefine",
			"path", ev.Name)
	}
}

func (w *ConfigWatcher) reload(path string) {
	defs, err := w.store.LoadAll()
	if err != nil {
		w.log.Warn("failed to rescan config directory after change", "path", path, "error", err)
		return
	}
	for _, def := range defs {
		if _, err := w.reg.Add(def, true); err != nil {
			w.log.Warn("failed to apply externally-edited domain config",
				"domain", def.Name, "path", path, "error", err)
		}
	}
}
