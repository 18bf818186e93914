// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ModeSystem, cfg.Mode)
	assert.Equal(t, "/etc/libvirt/qemu", cfg.Layout.ConfigDir)
	assert.Equal(t, 5900, cfg.VNCPorts.First)
	assert.Equal(t, 100, cfg.VNCPorts.Count)
}

func TestFromFileAppliesDefaultsForMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driver.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0644))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ModeSystem, cfg.Mode)
	assert.Equal(t, 5900, cfg.VNCPorts.First)
}

func TestMergeWithEnvOverridesLogLevel(t *testing.T) {
	t.Setenv("LIBVIRT_QEMU_LOG_LEVEL", "warn")
	cfg := Default().MergeWithEnv()
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestFromEnvironmentSessionMode(t *testing.T) {
	t.Setenv("LIBVIRT_QEMU_MODE", "session")
	t.Setenv("HOME", "/home/tester")
	cfg := FromEnvironment()
	assert.Equal(t, ModeSession, cfg.Mode)
	assert.Equal(t, "/home/tester/.libvirt/qemu/run", cfg.Layout.StateDir)
}
