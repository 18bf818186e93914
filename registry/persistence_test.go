// SPDX-License-Identifier: LGPL-3.0-or-later

package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pawitp/libvirt/config"
	"github.com/pawitp/libvirt/logger"
)

func testLayout(t *testing.T) config.Layout {
	root := t.TempDir()
	return config.Layout{
		ConfigDir:    filepath.Join(root, "qemu"),
		AutostartDir: filepath.Join(root, "qemu", "autostart"),
		StateDir:     filepath.Join(root, "run"),
		LogDir:       filepath.Join(root, "log"),
	}
}

func TestSaveAndLoadDefinition(t *testing.T) {
	layout := testLayout(t)
	store := NewStore(layout, logger.New("error"))

	def := sampleDef("web1")
	vm := NewVM(def, true)

	require.NoError(t, store.SaveDefinition(vm))

	defs, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "web1", defs[0].Name)
	require.Equal(t, def.UUID, defs[0].UUID)
}

func TestAutostartSymlinkLifecycle(t *testing.T) {
	layout := testLayout(t)
	store := NewStore(layout, logger.New("error"))

	def := sampleDef("web1")
	vm := NewVM(def, true)
	require.NoError(t, store.SaveDefinition(vm))

	require.False(t, store.IsAutostart("web1"))
	require.NoError(t, store.SetAutostart(vm, true))
	require.True(t, store.IsAutostart("web1"))

	require.NoError(t, store.SetAutostart(vm, false))
	require.False(t, store.IsAutostart("web1"))
}

func TestRuntimeStateRoundTrip(t *testing.T) {
	layout := testLayout(t)
	store := NewStore(layout, logger.New("error"))

	def := sampleDef("web1")
	vm := NewVM(def, true)
	require.NoError(t, store.SaveRuntimeState(vm, 4242))

	survivors, err := store.LoadRuntimeSurvivors()
	require.NoError(t, err)
	require.Equal(t, 4242, survivors["web1"])

	require.NoError(t, store.ClearRuntimeState("web1"))
	survivors, err = store.LoadRuntimeSurvivors()
	require.NoError(t, err)
	require.Empty(t, survivors)
}

func TestDeleteDefinitionRemovesConfigAndAutostart(t *testing.T) {
	layout := testLayout(t)
	store := NewStore(layout, logger.New("error"))

	def := sampleDef("web1")
	vm := NewVM(def, true)
	require.NoError(t, store.SaveDefinition(vm))
	require.NoError(t, store.SetAutostart(vm, true))

	require.NoError(t, store.DeleteDefinition("web1"))
	require.False(t, store.IsAutostart("web1"))

	defs, err := store.LoadAll()
	require.NoError(t, err)
	require.Empty(t, defs)
}
