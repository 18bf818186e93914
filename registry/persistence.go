// SPDX-License-Identifier: LGPL-3.0-or-later

package registry

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pawitp/libvirt/config"
	"github.com/pawitp/libvirt/domain"
	"github.com/pawitp/libvirt/errdefs"
	"github.com/pawitp/libvirt/logger"
)

// Store persists VM definitions to the filesystem layout described in §4.4:
// a config.xml per persistent VM under Layout.ConfigDir, an autostart
// symlink into Layout.AutostartDir for VMs marked autostart, and a runtime
// copy of the live definition plus a pid file under Layout.StateDir while
// a VM is active.
type Store struct {
	layout config.Layout
	log    logger.Logger
}

// NewStore returns a Store rooted at layout.
func NewStore(layout config.Layout, log logger.Logger) *Store {
	return &Store{layout: layout, log: log}
}

func (s *Store) configPath(name string) string {
	return filepath.Join(s.layout.ConfigDir, name+".xml")
}

func (s *Store) autostartPath(name string) string {
	return filepath.Join(s.layout.AutostartDir, name+".xml")
}

func (s *Store) statePath(name string) string {
	return filepath.Join(s.layout.StateDir, name+".xml")
}

func (s *Store) pidPath(name string) string {
	return filepath.Join(s.layout.StateDir, name+".pid")
}

// SaveDefinition writes vm's persistent config.xml, atomically (write to a
// sibling temp file, then rename) so a crash mid-write never leaves a
// truncated config file behind.
func (s *Store) SaveDefinition(vm *VM) error {
	def := vm.Definition()
	data, err := domain.Format(&def)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.layout.ConfigDir, 0o755); err != nil {
		return errdefs.System(err)
	}
	return atomicWrite(s.configPath(vm.Name()), data)
}

// DeleteDefinition removes the persistent config.xml for name, and its
// autostart symlink if present. Used by Undefine.
func (s *Store) DeleteDefinition(name string) error {
	if err := os.Remove(s.configPath(name)); err != nil && !os.IsNotExist(err) {
		return errdefs.System(err)
	}
	if err := os.Remove(s.autostartPath(name)); err != nil && !os.IsNotExist(err) {
		return errdefs.System(err)
	}
	return nil
}

// SetAutostart creates or removes the autostart symlink for vm, per §4.4.
func (s *Store) SetAutostart(vm *VM, enabled bool) error {
	link := s.autostartPath(vm.Name())
	if !enabled {
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return errdefs.System(err)
		}
		return nil
	}
	if err := os.MkdirAll(s.layout.AutostartDir, 0o755); err != nil {
		return errdefs.System(err)
	}
	_ = os.Remove(link)
	if err := os.Symlink(s.configPath(vm.Name()), link); err != nil {
		return errdefs.System(err)
	}
	return nil
}

// SaveRuntimeState writes a transient copy of vm's live definition and a
// pid file under StateDir, while the VM is active. Called once a start
// sequence reaches the point of having a PID.
func (s *Store) SaveRuntimeState(vm *VM, pid int) error {
	def := vm.Definition()
	data, err := domain.Format(&def)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.layout.StateDir, 0o755); err != nil {
		return errdefs.System(err)
	}
	if err := atomicWrite(s.statePath(vm.Name()), data); err != nil {
		return err
	}
	return atomicWrite(s.pidPath(vm.Name()), []byte(strconv.Itoa(pid)+"\n"))
}

// ClearRuntimeState removes the transient state.xml and pid file for name,
// called at step 5 of the shutdown sequence (§4.5).
func (s *Store) ClearRuntimeState(name string) error {
	if err := os.Remove(s.statePath(name)); err != nil && !os.IsNotExist(err) {
		return errdefs.System(err)
	}
	if err := os.Remove(s.pidPath(name)); err != nil && !os.IsNotExist(err) {
		return errdefs.System(err)
	}
	return nil
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by rename, so a reader never observes a partial file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errdefs.System(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errdefs.System(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errdefs.System(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errdefs.System(err)
	}
	return nil
}

// LoadAll scans ConfigDir for every *.xml file and parses it into a
// Definition, implementing the mandatory startup directory mirror scan
// from §4.4. Files that fail to parse are logged and skipped rather than
// aborting the whole scan, so one corrupt config doesn't take every other
// domain down with it.
func (s *Store) LoadAll() ([]domain.Definition, error) {
	entries, err := os.ReadDir(s.layout.ConfigDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.System(err)
	}

	var defs []domain.Definition
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".xml") {
			continue
		}
		path := filepath.Join(s.layout.ConfigDir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("failed to read domain config", "path", path, "error", err)
			continue
		}
		def, err := domain.Parse(data, domain.ParseInactive)
		if err != nil {
			s.log.Warn("failed to parse domain config", "path", path, "error", err)
			continue
		}
		defs = append(defs, *def)
	}
	return defs, nil
}

// IsAutostart reports whether name has an autostart symlink.
func (s *Store) IsAutostart(name string) bool {
	_, err := os.Lstat(s.autostartPath(name))
	return err == nil
}

// LoadRuntimeSurvivors scans StateDir for leftover state.xml/pid pairs
// from a previous daemon instance that crashed without a clean shutdown.
// It only reports what it found, keyed by domain name: it does not check
// whether a pid is still running and removes nothing.
func (s *Store) LoadRuntimeSurvivors() (map[string]int, error) {
	entries, err := os.ReadDir(s.layout.StateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.System(err)
	}

	survivors := make(map[string]int)
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".pid") {
			continue
		}
		name := strings.TrimSuffix(ent.Name(), ".pid")
		data, err := os.ReadFile(filepath.Join(s.layout.StateDir, ent.Name()))
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		survivors[name] = pid
	}
	return survivors, nil
}
