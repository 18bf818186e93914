// SPDX-License-Identifier: LGPL-3.0-or-later

package controller

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pawitp/libvirt/domain"
	"github.com/pawitp/libvirt/errdefs"
	"github.com/pawitp/libvirt/registry"
)

const (
	saveMagic         = "LibvirtQemudSave"
	saveVersion int32 = 1
	saveReserved      = 16
)

// saveHeader is the on-disk save-file header from §3: a 16-byte ASCII
// magic, version, xml length, a was-running flag, and 16 reserved int32
// slots kept for forward compatibility.
type saveHeader struct {
	Version    int32
	XMLLen     int32
	WasRunning int32
	Reserved   [saveReserved]int32
}

// Save suspends vm, streams its definition and migration image to path,
// and kills the emulator, per the save transition in §4.5's state
// diagram. The file is written atomically: any failure during header,
// XML, or stream write unlinks the partial file rather than leaving it
// behind (§5's resource discipline). The migration image itself is
// produced by asking the emulator to migrate to `exec:cat >> <path>`,
// the same indirection the historical implementation used to redirect a
// live migration stream onto a local file.
func (c *Controller) Save(vmName, path string) error {
	vm, err := c.lookupActive(vmName)
	if err != nil {
		return err
	}
	wasRunning := vm.State() == registry.StateRunning
	mc, err := c.monitorFor(vm)
	if err != nil {
		vm.Unlock()
		return err
	}
	if err := mc.Stop(); err != nil {
		vm.Unlock()
		return err
	}

	def := vm.Definition()
	vm.Unlock()

	if err := c.writeSaveHeader(path, &def, wasRunning); err != nil {
		return err
	}
	if err := mc.Migrate(fmt.Sprintf("exec:cat >> %s", path)); err != nil {
		os.Remove(path)
		return err
	}

	return c.shutdown(vmName, "stopped/saved", false)
}

// writeSaveHeader writes the magic + header + XML prefix of the save
// file via a temp file renamed into place, leaving the emulator's
// migration stream to be appended afterward.
func (c *Controller) writeSaveHeader(path string, def *domain.Definition, wasRunning bool) (err error) {
	xmlBytes, err := domain.Format(def)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dirOf(path), ".save-*")
	if err != nil {
		return errdefs.System(err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	running := int32(0)
	if wasRunning {
		running = 1
	}
	hdr := saveHeader{Version: saveVersion, XMLLen: int32(len(xmlBytes)), WasRunning: running}

	var buf bytes.Buffer
	buf.WriteString(saveMagic)
	if err = binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return errdefs.Internal(fmt.Errorf("save: encode header: %w", err))
	}
	buf.Write(xmlBytes)

	if _, err = tmp.Write(buf.Bytes()); err != nil {
		return errdefs.System(fmt.Errorf("save: write header+xml: %w", err))
	}
	if err = tmp.Close(); err != nil {
		return errdefs.System(err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return errdefs.System(err)
	}
	return nil
}

// Restore reads a save file written by Save, recreating the VM in
// PAUSED state and, if the header's was-running flag is set, continuing
// it to RUNNING (§4.5's restore transition, §8 invariant 5).
func (c *Controller) Restore(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errdefs.System(err)
	}
	defer f.Close()

	magic := make([]byte, len(saveMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return errdefs.InvalidArg(fmt.Errorf("restore: read magic: %w", err))
	}
	if string(magic) != saveMagic {
		return errdefs.InvalidArg(fmt.Errorf("restore: not a save file"))
	}

	var hdr saveHeader
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return errdefs.InvalidArg(fmt.Errorf("restore: read header: %w", err))
	}
	if hdr.Version != saveVersion {
		return errdefs.OperationFailed(fmt.Errorf("image version is not supported (%d > %d)", hdr.Version, saveVersion))
	}

	xmlBytes := make([]byte, hdr.XMLLen)
	if _, err := io.ReadFull(f, xmlBytes); err != nil {
		return errdefs.InvalidArg(fmt.Errorf("restore: read xml: %w", err))
	}
	def, err := domain.Parse(xmlBytes, domain.ParseInactive)
	if err != nil {
		return err
	}

	return c.startFromSave(def, f, hdr.WasRunning != 0)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
