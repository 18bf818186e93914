// SPDX-License-Identifier: LGPL-3.0-or-later

// Package registry implements the VM Object (C4) and Domain Registry (C5):
// the concurrently-accessed collection of VM objects with lookup by id,
// UUID, and name, and the persistence rules tied to it.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pawitp/libvirt/capabilities"
	"github.com/pawitp/libvirt/domain"
)

// State is where a VM sits in the lifecycle state machine (§4.5).
type State int

const (
	StateShutoff State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "shutoff"
	}
}

// Runtime holds the fields that only exist while a VM is active. It is nil
// on a VM object in StateShutoff.
type Runtime struct {
	ID          int
	PID         int
	MonitorPath string
	StdoutFD    int
	StderrFD    int
	LogFD       int
	VCPUPIDs    []int
	Features    capabilities.Features
}

// VM is a per-VM record: definition, runtime state, and the mutex that
// serializes every operation on it (§4.4's "VM lock"). The zero value is
// not valid; use NewVM.
type VM struct {
	mu sync.Mutex

	def     domain.Definition
	state   State
	runtime *Runtime

	persistent bool
	autostart  bool

	// pendingDef is swapped in on the next SHUTOFF transition if set,
	// implementing the "pending next-boot definition" field named in §3.
	pendingDef *domain.Definition
}

// NewVM constructs a VM object in StateShutoff for def. persistent marks
// whether it was created via define (true) or createFromXML (false).
func NewVM(def domain.Definition, persistent bool) *VM {
	return &VM{
		def:        def,
		state:      StateShutoff,
		persistent: persistent,
	}
}

// Lock acquires the VM lock. A caller that also needs the registry lock
// takes it before this one, per the hierarchy in §5.
func (v *VM) Lock() { v.mu.Lock() }

// Unlock releases the VM lock.
func (v *VM) Unlock() { v.mu.Unlock() }

// Name returns the name in the current definition. It does not take the
// VM lock. The name can change: Registry.Add applies a same-UUID
// redefinition under a new name to the existing VM object in place.
func (v *VM) Name() string { return v.def.Name }

// UUID returns the domain UUID. It does not take the VM lock; a
// redefinition is only applied to a VM whose UUID it matches, so the UUID
// stays the same for the lifetime of the VM object.
func (v *VM) UUID() uuid.UUID { return v.def.UUID }

// Definition returns a copy of the current definition. Caller must hold
// the VM lock.
func (v *VM) Definition() domain.Definition { return v.def }

// SetDefinition replaces the definition in place. Caller must hold the VM
// lock. Used by hot-plug (C10) once the monitor has confirmed success.
func (v *VM) SetDefinition(def domain.Definition) { v.def = def }

// State returns the current lifecycle state. Caller must hold the VM lock.
func (v *VM) State() State { return v.state }

// SetState transitions the VM's state. Caller must hold the VM lock. An
// active→SHUTOFF transition should be paired with ClearRuntime.
func (v *VM) SetState(s State) { v.state = s }

// Runtime returns the runtime sub-record, or nil if the VM is SHUTOFF.
// Caller must hold the VM lock.
func (v *VM) Runtime() *Runtime { return v.runtime }

// SetRuntime installs a runtime sub-record (on start). Caller must hold
// the VM lock.
func (v *VM) SetRuntime(r *Runtime) { v.runtime = r }

// ClearRuntime sets id=-1 and drops the runtime sub-record, per invariant
// 2 (§8): "A VM in SHUTOFF has all runtime FDs closed and id = -1."
func (v *VM) ClearRuntime() { v.runtime = nil }

// ID returns the runtime numeric id, or -1 if the VM is inactive (§3, §8
// invariant 2).
func (v *VM) ID() int {
	if v.runtime == nil {
		return -1
	}
	return v.runtime.ID
}

// Persistent reports whether this VM has a config file on disk.
func (v *VM) Persistent() bool { return v.persistent }

// SetPersistent marks or unmarks persistence (define vs undefine).
func (v *VM) SetPersistent(p bool) { v.persistent = p }

// Autostart reports whether this VM is marked to start at registry open.
func (v *VM) Autostart() bool { return v.autostart }

// SetAutostart marks or unmarks autostart.
func (v *VM) SetAutostart(a bool) { v.autostart = a }

// PendingDefinition returns the definition queued to take effect on the
// next boot, if any.
func (v *VM) PendingDefinition() *domain.Definition { return v.pendingDef }

// SetPendingDefinition queues def to replace the live definition on the
// next SHUTOFF transition.
func (v *VM) SetPendingDefinition(def *domain.Definition) { v.pendingDef = def }

// ConsumePendingDefinition swaps in the pending definition if one is
// queued, clearing it, per the shutdown sequence's last step (§4.5).
func (v *VM) ConsumePendingDefinition() {
	if v.pendingDef != nil {
		v.def = *v.pendingDef
		v.pendingDef = nil
	}
}

// IsActive reports whether the VM currently has a child emulator process.
// Caller must hold the VM lock.
func (v *VM) IsActive() bool { return v.state != StateShutoff }

// IDSnapshot is ID for callers that don't already hold the VM lock (e.g.
// the event subsystem, which stamps an event with the id the VM held the
// moment the event was pushed). It takes and releases the lock itself.
func (v *VM) IDSnapshot() int {
	v.Lock()
	defer v.Unlock()
	return v.ID()
}

// IsActiveSnapshot is IsActive for callers that don't already hold the VM
// lock (e.g. the migration coordinator, which only has the VM by
// reference from Define). It takes and releases the lock itself.
func (v *VM) IsActiveSnapshot() bool {
	v.Lock()
	defer v.Unlock()
	return v.IsActive()
}
