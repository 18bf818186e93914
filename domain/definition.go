// SPDX-License-Identifier: LGPL-3.0-or-later

// Package domain holds the immutable-after-parse Domain Definition value
// and the XML facade the rest of the driver is written against. Nothing
// outside this package constructs a Definition by hand outside of tests;
// callers go through Parse.
package domain

import (
	"encoding/xml"

	"github.com/google/uuid"
)

// VirtType selects which acceleration mode the emulator is launched with.
type VirtType string

const (
	VirtPlain         VirtType = "plain"
	VirtAccelerated   VirtType = "accelerated"
	VirtAcceleratedAlt VirtType = "accelerated-alt"
)

// DiskBus is the virtual bus a disk is attached to.
type DiskBus string

const (
	BusIDE    DiskBus = "ide"
	BusSCSI   DiskBus = "scsi"
	BusFDC    DiskBus = "fdc"
	BusVirtio DiskBus = "virtio"
	BusUSB    DiskBus = "usb"
)

// DiskDevice is the kind of media a Disk presents to the guest.
type DiskDevice string

const (
	DeviceDisk   DiskDevice = "disk"
	DeviceCDROM  DiskDevice = "cdrom"
	DeviceFloppy DiskDevice = "floppy"
)

// Disk describes one block device attached to the domain.
type Disk struct {
	Bus        DiskBus    `xml:"bus,attr"`
	Device     DiskDevice `xml:"device,attr"`
	Target     string     `xml:"target,attr"`
	Source     string     `xml:"source,attr,omitempty"`
	// Slot and SlotAssigned are filled in by hot-plug (C10) once pci_add
	// confirms success. Slot 0 is a legitimate PCI slot ("OK bus 0, slot 0"),
	// so SlotAssigned — not a zero check on Slot — is what distinguishes a
	// disk attached via pci_add from one that was never hot-plugged.
	Slot         int  `xml:"-"`
	SlotAssigned bool `xml:"-"`
}

// CharDeviceType distinguishes a PTY-backed serial/parallel device from
// one bound to a fixed host path or socket.
type CharDeviceType string

const (
	CharPTY  CharDeviceType = "pty"
	CharFile CharDeviceType = "file"
	CharNull CharDeviceType = "null"
)

// CharDevice is a serial or parallel character device. Path is empty until
// the Boot Parser (C3) fills it in for PTY-typed devices.
type CharDevice struct {
	Type CharDeviceType `xml:"type,attr"`
	Path string         `xml:"source,attr,omitempty"`
}

// Interface is a network interface attached to the domain.
type Interface struct {
	MAC    string `xml:"mac,attr,omitempty"`
	Bridge string `xml:"bridge,attr,omitempty"`
	Model  string `xml:"model,attr,omitempty"`
}

// HostDevice is a pass-through USB/PCI host device.
type HostDevice struct {
	Vendor  string `xml:"vendor,attr,omitempty"`
	Product string `xml:"product,attr,omitempty"`
	Bus     int    `xml:"bus,attr,omitempty"`
	Device  int    `xml:"device,attr,omitempty"`
}

// Graphics configures the VNC console, if any.
type Graphics struct {
	AutoPort bool `xml:"autoport,attr"`
	Port     int  `xml:"port,attr,omitempty"`
	Listen   string `xml:"listen,attr,omitempty"`
}

// Definition is the immutable-after-parse description of a domain. It is
// passed by value into the lifecycle controller; any in-place edit (hot
// plug, pending-next-boot swap) replaces the value, never mutates shared
// state without the VM lock held.
type Definition struct {
	XMLName xml.Name `xml:"domain"`

	Name         string     `xml:"name"`
	UUID         uuid.UUID  `xml:"uuid"`
	EmulatorPath string     `xml:"devices>emulator"`
	VirtType     VirtType   `xml:"type,attr"`
	MemoryMaxKiB uint64     `xml:"memory"`
	MemoryCurKiB uint64     `xml:"currentMemory"`
	VCPUs        uint       `xml:"vcpu"`

	CPUAffinity []bool `xml:"-"` // nil means unset; else length == host CPU count

	Graphics *Graphics `xml:"devices>graphics"`

	Disks      []Disk       `xml:"devices>disk"`
	Interfaces []Interface  `xml:"devices>interface"`
	Serials    []CharDevice `xml:"devices>serial"`
	Parallels  []CharDevice `xml:"devices>parallel"`
	HostDevs   []HostDevice `xml:"devices>hostdev"`
}

// Validate checks the structural invariants a Definition must hold before
// it is accepted by define/createXML, independent of anything runtime.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errNoName
	}
	if d.UUID == uuid.Nil {
		return errNoUUID
	}
	if d.EmulatorPath == "" {
		return errNoEmulator
	}
	if d.MemoryCurKiB > d.MemoryMaxKiB {
		return errMemoryCurExceedsMax
	}
	if d.VCPUs == 0 {
		return errZeroVCPUs
	}
	if d.CPUAffinity != nil && uint(len(d.CPUAffinity)) < d.VCPUs {
		// affinity masks are per-host-cpu, not per-vcpu, but a mask shorter
		// than the vcpu count can never select a thread for every vcpu.
		return errAffinityTooShort
	}

	seen := make(map[string]struct{}, len(d.Disks))
	for _, disk := range d.Disks {
		if disk.Target == "" {
			return errDiskNoTarget
		}
		if _, dup := seen[disk.Target]; dup {
			return errDuplicateTarget
		}
		seen[disk.Target] = struct{}{}
	}
	return nil
}
