// SPDX-License-Identifier: LGPL-3.0-or-later

package controller

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pawitp/libvirt/domain"
	"github.com/pawitp/libvirt/errdefs"
)

func TestWriteSaveHeaderRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm1.save")

	def := &domain.Definition{
		Name:         "vm1",
		UUID:         uuid.New(),
		EmulatorPath: "/usr/bin/qemu",
		MemoryMaxKiB: 524288,
		MemoryCurKiB: 524288,
		VCPUs:        1,
	}

	c := &Controller{}
	require.NoError(t, c.writeSaveHeader(path, def, true))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	magic := make([]byte, len(saveMagic))
	_, err = io.ReadFull(f, magic)
	require.NoError(t, err)
	require.Equal(t, saveMagic, string(magic))

	var hdr saveHeader
	require.NoError(t, binary.Read(f, binary.LittleEndian, &hdr))
	require.Equal(t, saveVersion, hdr.Version)
	require.Equal(t, int32(1), hdr.WasRunning)
	require.Greater(t, hdr.XMLLen, int32(0))

	xmlBytes := make([]byte, hdr.XMLLen)
	_, err = io.ReadFull(f, xmlBytes)
	require.NoError(t, err)

	got, err := domain.Parse(xmlBytes, domain.ParseInactive)
	require.NoError(t, err)
	require.Equal(t, "vm1", got.Name)
}

func TestRestoreRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.save")
	require.NoError(t, os.WriteFile(path, []byte("not a save file at all"), 0o644))

	c := &Controller{}
	err := c.Restore(path)
	require.Error(t, err)
}

func TestRestoreRejectsUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "futureversion.save")

	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = f.WriteString(saveMagic)
	require.NoError(t, err)
	hdr := saveHeader{Version: saveVersion + 1, XMLLen: 0, WasRunning: 0}
	require.NoError(t, binary.Write(f, binary.LittleEndian, hdr))
	require.NoError(t, f.Close())

	c := &Controller{}
	err = c.Restore(path)
	require.Error(t, err)
	require.True(t, errdefs.IsOperationFailed(err))
	require.EqualError(t, err, "image version is not supported (2 > 1)")
}
