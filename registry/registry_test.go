// SPDX-License-Identifier: LGPL-3.0-or-later

package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pawitp/libvirt/domain"
)

func sampleDef(name string) domain.Definition {
	return domain.Definition{
		Name:         name,
		UUID:         uuid.New(),
		EmulatorPath: "/usr/bin/qemu",
		MemoryMaxKiB: 1024 * 1024,
		MemoryCurKiB: 1024 * 1024,
		VCPUs:        2,
	}
}

func TestAddAndFind(t *testing.T) {
	reg := New()
	def := sampleDef("web1")

	vm, err := reg.Add(def, true)
	require.NoError(t, err)
	require.Equal(t, "web1", vm.Name())

	require.Same(t, vm, reg.FindByName("web1"))
	require.Same(t, vm, reg.FindByUUID(def.UUID))
	require.Equal(t, 1, reg.Count())
}

func TestAddSameUUIDUpdatesInPlace(t *testing.T) {
	reg := New()
	def := sampleDef("web1")
	vm, err := reg.Add(def, true)
	require.NoError(t, err)

	renamed := def
	renamed.Name = "web1-renamed"
	renamed.VCPUs = 4

	vm2, err := reg.Add(renamed, true)
	require.NoError(t, err)
	require.Same(t, vm, vm2)
	require.Equal(t, "web1-renamed", vm.Name())
	require.Nil(t, reg.FindByName("web1"))
	require.Same(t, vm, reg.FindByName("web1-renamed"))
}

func TestAddSameUUIDWhileActiveQueuesPendingDefinition(t *testing.T) {
	reg := New()
	def := sampleDef("web1")
	vm, err := reg.Add(def, true)
	require.NoError(t, err)

	vm.Lock()
	vm.SetState(StateRunning)
	vm.Unlock()

	updated := def
	updated.VCPUs = 8
	_, err = reg.Add(updated, true)
	require.NoError(t, err)

	vm.Lock()
	require.Equal(t, uint(2), vm.Definition().VCPUs, "live definition unchanged while active")
	require.NotNil(t, vm.PendingDefinition())
	require.Equal(t, uint(8), vm.PendingDefinition().VCPUs)
	vm.Unlock()
}

func TestAddNameCollisionDifferentUUIDFails(t *testing.T) {
	reg := New()
	def1 := sampleDef("web1")
	_, err := reg.Add(def1, true)
	require.NoError(t, err)

	def2 := sampleDef("web1")
	_, err = reg.Add(def2, true)
	require.Error(t, err)
}

func TestRemoveInactiveRejectsActiveVM(t *testing.T) {
	reg := New()
	vm, err := reg.Add(sampleDef("web1"), true)
	require.NoError(t, err)

	vm.Lock()
	vm.SetState(StateRunning)
	vm.Unlock()

	err = reg.RemoveInactive(vm)
	require.Error(t, err)

	vm.Lock()
	vm.SetState(StateShutoff)
	vm.Unlock()

	require.NoError(t, reg.RemoveInactive(vm))
	require.Equal(t, 0, reg.Count())
}

func TestAssignAndReleaseID(t *testing.T) {
	reg := New()
	vm, _ := reg.Add(sampleDef("web1"), true)

	reg.Lock()
	id := reg.AssignID(vm)
	reg.Unlock()

	require.Equal(t, 1, id)
	require.Same(t, vm, reg.FindByID(id))

	reg.Lock()
	reg.ReleaseID(id)
	reg.Unlock()
	require.Nil(t, reg.FindByID(id))
}

func TestForEachLockedVisitsEveryVM(t *testing.T) {
	reg := New()
	reg.Add(sampleDef("a"), true)
	reg.Add(sampleDef("b"), true)
	reg.Add(sampleDef("c"), true)

	var seen []string
	reg.ForEachLocked(func(vm *VM) {
		seen = append(seen, vm.Name())
	})
	require.Len(t, seen, 3)
}

func TestListIsSortedByName(t *testing.T) {
	reg := New()
	reg.Add(sampleDef("zeta"), true)
	reg.Add(sampleDef("alpha"), true)
	reg.Add(sampleDef("mid"), true)

	names := make([]string, 0, 3)
	for _, vm := range reg.List() {
		names = append(names, vm.Name())
	}
	require.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}
