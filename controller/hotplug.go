// SPDX-License-Identifier: LGPL-3.0-or-later

package controller

import (
	"fmt"

	"github.com/pawitp/libvirt/domain"
	"github.com/pawitp/libvirt/errdefs"
	"github.com/pawitp/libvirt/registry"
)

// monitorDeviceName derives the name the monitor knows a disk by from its
// (bus, device-kind, bus-index, dev-index), per §4.8. busIndex/devIndex
// are the disk's position among same-bus, same-kind disks already attached.
func monitorDeviceName(disk domain.Disk, busIndex, devIndex int) (string, error) {
	switch disk.Bus {
	case domain.BusIDE:
		switch disk.Device {
		case domain.DeviceDisk:
			return fmt.Sprintf("ide%d-hd%d", busIndex, devIndex), nil
		case domain.DeviceCDROM:
			return fmt.Sprintf("ide%d-cd%d", busIndex, devIndex), nil
		}
	case domain.BusSCSI:
		switch disk.Device {
		case domain.DeviceDisk:
			return fmt.Sprintf("scsi%d-hd%d", busIndex, devIndex), nil
		case domain.DeviceCDROM:
			return fmt.Sprintf("scsi%d-cd%d", busIndex, devIndex), nil
		}
	case domain.BusFDC:
		return fmt.Sprintf("floppy%d", devIndex), nil
	case domain.BusVirtio:
		return fmt.Sprintf("virtio%d", devIndex), nil
	}
	return "", errdefs.NoSupport(fmt.Errorf("not supported"))
}

// legacyDeviceName derives the monitor device name on emulators that lack
// `-drive` support, per §4.8's legacy fallback rule.
func legacyDeviceName(disk domain.Disk) (string, error) {
	switch disk.Device {
	case domain.DeviceFloppy:
		return disk.Target, nil
	case domain.DeviceCDROM:
		if disk.Target == "hdc" {
			return "cdrom", nil
		}
	}
	return "", errdefs.NoSupport(fmt.Errorf("not supported"))
}

// busIndexOf returns busIndex 0 for every disk, and as devIndex the 0-based
// index of target among def's disks sharing bus and device kind, counting
// only disks that precede it in definition order — the <d> in the naming
// scheme above.
func busIndexOf(def *domain.Definition, target string, bus domain.DiskBus, kind domain.DiskDevice) (busIndex, devIndex int) {
	for _, d := range def.Disks {
		if d.Bus != bus || d.Device != kind {
			continue
		}
		if d.Target == target {
			return 0, devIndex
		}
		devIndex++
	}
	return 0, devIndex
}

// ChangeMedia swaps the source path of a removable-media disk identified
// by target, via the monitor `change` command, and only updates the
// definition once the monitor has acknowledged success (§4.5's hot-plug
// rule).
func (c *Controller) ChangeMedia(vmName, target, newPath string) error {
	vm, err := c.lookupActive(vmName)
	if err != nil {
		return err
	}
	defer vm.Unlock()

	def := vm.Definition()
	disk, found := findDisk(&def, target)
	if !found {
		return errdefs.InvalidArg(fmt.Errorf("no disk with target %q", target))
	}

	devName, _, err := c.deviceNameFor(vm, &def, disk)
	if err != nil {
		return err
	}

	mc, err := c.monitorFor(vm)
	if err != nil {
		return err
	}
	if err := mc.Change(devName, newPath); err != nil {
		return err
	}

	for i := range def.Disks {
		if def.Disks[i].Target == target {
			def.Disks[i].Source = newPath
		}
	}
	vm.SetDefinition(def)
	return c.store.SaveRuntimeState(vm, vm.Runtime().PID)
}

// EjectMedia ejects the media from a removable-media disk, via the
// monitor `eject` command.
func (c *Controller) EjectMedia(vmName, target string) error {
	vm, err := c.lookupActive(vmName)
	if err != nil {
		return err
	}
	defer vm.Unlock()

	def := vm.Definition()
	disk, found := findDisk(&def, target)
	if !found {
		return errdefs.InvalidArg(fmt.Errorf("no disk with target %q", target))
	}
	devName, _, err := c.deviceNameFor(vm, &def, disk)
	if err != nil {
		return err
	}

	mc, err := c.monitorFor(vm)
	if err != nil {
		return err
	}
	if err := mc.Eject(devName); err != nil {
		return err
	}

	for i := range def.Disks {
		if def.Disks[i].Target == target {
			def.Disks[i].Source = ""
		}
	}
	vm.SetDefinition(def)
	return c.store.SaveRuntimeState(vm, vm.Runtime().PID)
}

// AttachDisk hot-plugs a new disk via `pci_add`, recording the slot the
// monitor reports in the definition once it confirms success.
func (c *Controller) AttachDisk(vmName string, disk domain.Disk) error {
	vm, err := c.lookupActive(vmName)
	if err != nil {
		return err
	}
	defer vm.Unlock()

	mc, err := c.monitorFor(vm)
	if err != nil {
		return err
	}
	slot, err := mc.PCIAdd(disk.Source, string(disk.Bus))
	if err != nil {
		return err
	}

	disk.Slot = slot
	disk.SlotAssigned = true
	def := vm.Definition()
	def.Disks = append(def.Disks, disk)
	vm.SetDefinition(def)
	return c.store.SaveRuntimeState(vm, vm.Runtime().PID)
}

// DetachDisk hot-unplugs a previously attached disk via `pci_del`, which
// requires the disk to carry a recorded PCI slot from a prior AttachDisk.
func (c *Controller) DetachDisk(vmName, target string) error {
	vm, err := c.lookupActive(vmName)
	if err != nil {
		return err
	}
	defer vm.Unlock()

	def := vm.Definition()
	disk, found := findDisk(&def, target)
	if !found {
		return errdefs.InvalidArg(fmt.Errorf("no disk with target %q", target))
	}
	if !disk.SlotAssigned {
		return errdefs.InvalidArg(fmt.Errorf("disk %q has no recorded pci slot", target))
	}

	mc, err := c.monitorFor(vm)
	if err != nil {
		return err
	}
	if err := mc.PCIDel(disk.Slot); err != nil {
		return err
	}

	kept := def.Disks[:0]
	for _, d := range def.Disks {
		if d.Target != target {
			kept = append(kept, d)
		}
	}
	def.Disks = kept
	vm.SetDefinition(def)
	return c.store.SaveRuntimeState(vm, vm.Runtime().PID)
}

// deviceNameFor resolves the monitor device name for disk, preferring the
// modern (bus, kind, bus-index, dev-index) scheme and falling back to the
// legacy scheme when vm's emulator lacks -drive support.
func (c *Controller) deviceNameFor(vm *registry.VM, def *domain.Definition, disk domain.Disk) (name string, usedLegacy bool, err error) {
	rt := vm.Runtime()
	if rt != nil && rt.Features.HasDriveIfVirtio {
		busIndex, devIndex := busIndexOf(def, disk.Target, disk.Bus, disk.Device)
		name, err := monitorDeviceName(disk, busIndex, devIndex)
		if err == nil {
			return name, false, nil
		}
	}
	name, err = legacyDeviceName(disk)
	return name, true, err
}

func findDisk(def *domain.Definition, target string) (domain.Disk, bool) {
	for _, d := range def.Disks {
		if d.Target == target {
			return d, true
		}
	}
	return domain.Disk{}, false
}
