// SPDX-License-Identifier: LGPL-3.0-or-later

package controller

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pawitp/libvirt/capabilities"
	"github.com/pawitp/libvirt/config"
	"github.com/pawitp/libvirt/domain"
	"github.com/pawitp/libvirt/events"
	"github.com/pawitp/libvirt/logger"
	"github.com/pawitp/libvirt/registry"
)

func testController(t *testing.T) *Controller {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Layout = config.Layout{
		LogDir:       dir + "/log",
		StateDir:     dir + "/run",
		ConfigDir:    dir + "/config",
		AutostartDir: dir + "/config/autostart",
	}
	log := logger.New("error")
	reg := registry.New()
	store := registry.NewStore(cfg.Layout, log)
	queue := events.New()
	t.Cleanup(queue.Close)
	detector := capabilities.NewDetector(log)
	return New(cfg, reg, store, queue, detector, log)
}

func sampleDef(name string) domain.Definition {
	return domain.Definition{
		Name:         name,
		UUID:         uuid.New(),
		EmulatorPath: "/usr/bin/qemu",
		MemoryMaxKiB: 262144,
		MemoryCurKiB: 262144,
		VCPUs:        1,
	}
}

func TestDefineThenFindByName(t *testing.T) {
	c := testController(t)
	vm, err := c.Define(sampleDef("vm1"))
	require.NoError(t, err)
	require.Equal(t, "vm1", vm.Name())
	require.False(t, vm.IsActive())
}

func TestDefineRejectsInvalidDefinition(t *testing.T) {
	c := testController(t)
	_, err := c.Define(domain.Definition{}) // no name, no uuid, no emulator
	require.Error(t, err)
}

func TestUndefineRemovesConfigFile(t *testing.T) {
	c := testController(t)
	_, err := c.Define(sampleDef("vm2"))
	require.NoError(t, err)

	require.NoError(t, c.Undefine("vm2"))
	require.Nil(t, c.reg.FindByName("vm2"))
	require.NoFileExists(t, c.cfg.Layout.ConfigDir+"/vm2.xml")
}

func TestUndefineUnknownDomainFails(t *testing.T) {
	c := testController(t)
	err := c.Undefine("does-not-exist")
	require.Error(t, err)
}

func TestSetAutostartPersistsSymlink(t *testing.T) {
	c := testController(t)
	_, err := c.Define(sampleDef("vm3"))
	require.NoError(t, err)

	require.NoError(t, c.SetAutostart("vm3", true))
	require.True(t, c.store.IsAutostart("vm3"))

	require.NoError(t, c.SetAutostart("vm3", false))
	require.False(t, c.store.IsAutostart("vm3"))
}

func TestLookupActiveFailsForInactiveDomain(t *testing.T) {
	c := testController(t)
	_, err := c.Define(sampleDef("vm4"))
	require.NoError(t, err)

	_, err = c.lookupActive("vm4")
	require.Error(t, err)
}

func TestLookupActiveFailsForUnknownDomain(t *testing.T) {
	c := testController(t)
	_, err := c.lookupActive("nope")
	require.Error(t, err)
}

func TestShutdownOnInactiveDomainIsIdempotent(t *testing.T) {
	c := testController(t)
	_, err := c.Define(sampleDef("vm5"))
	require.NoError(t, err)

	require.NoError(t, c.shutdown("vm5", "stopped/shutdown", false))
}

func TestStartRejectsAlreadyActiveDomain(t *testing.T) {
	c := testController(t)
	vm, err := c.Define(sampleDef("vm6"))
	require.NoError(t, err)

	vm.Lock()
	vm.SetRuntime(&registry.Runtime{PID: 1})
	vm.SetState(registry.StateRunning)
	vm.Unlock()

	err = c.Start("vm6", nil)
	require.Error(t, err)
}

func TestSuspendFailsWithoutMonitorConnection(t *testing.T) {
	c := testController(t)
	vm, err := c.Define(sampleDef("vm7"))
	require.NoError(t, err)

	vm.Lock()
	vm.SetRuntime(&registry.Runtime{PID: 1})
	vm.SetState(registry.StateRunning)
	vm.Unlock()

	err = c.Suspend("vm7")
	require.Error(t, err)
}

func TestResumeRejectsNonPausedDomain(t *testing.T) {
	c := testController(t)
	vm, err := c.Define(sampleDef("vm8"))
	require.NoError(t, err)

	vm.Lock()
	vm.SetRuntime(&registry.Runtime{PID: 1})
	vm.SetState(registry.StateRunning)
	vm.Unlock()

	err = c.Resume("vm8")
	require.Error(t, err)
}
