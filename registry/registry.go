// SPDX-License-Identifier: LGPL-3.0-or-later

package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/pawitp/libvirt/domain"
	"github.com/pawitp/libvirt/errdefs"
)

// Registry is the concurrently-accessed collection of VM objects (C5). It
// indexes VMs by id, UUID, and name, and enforces the uniqueness
// invariants from §4.4. The locking discipline is strict: callers take
// the registry lock to look a VM up or mutate the collection shape (add,
// remove). Where both locks are needed at once (Add, RemoveInactive, id
// assignment and release) the registry lock is taken first and the VM
// lock second; a VM lock holder never waits for the registry lock.
type Registry struct {
	mu sync.Mutex

	byID   map[int]*VM
	byUUID map[uuid.UUID]*VM
	byName map[string]*VM

	order  []*VM // insertion order, for ForEach and listing
	nextID int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[int]*VM),
		byUUID: make(map[uuid.UUID]*VM),
		byName: make(map[string]*VM),
		nextID: 1,
	}
}

// Lock acquires the registry lock.
func (r *Registry) Lock() { r.mu.Lock() }

// Unlock releases the registry lock.
func (r *Registry) Unlock() { r.mu.Unlock() }

// conflict describes an existing VM that a Define/Create call collides
// with, per §4.4's UUID-vs-name conflict rule.
type conflict struct {
	existing *VM
	sameUUID bool
	sameName bool
}

// checkConflict reports whether def collides with an existing registry
// entry by UUID or by name. Caller must hold the registry lock.
func (r *Registry) checkConflict(def domain.Definition) *conflict {
	byUUID, uuidOK := r.byUUID[def.UUID]
	byName, nameOK := r.byName[def.Name]

	switch {
	case uuidOK && nameOK && byUUID == byName:
		return &conflict{existing: byUUID, sameUUID: true, sameName: true}
	case uuidOK:
		return &conflict{existing: byUUID, sameUUID: true}
	case nameOK:
		return &conflict{existing: byName, sameName: true}
	default:
		return nil
	}
}

// Add inserts a new VM built from def into the registry. If an existing
// VM already has this UUID, that VM's definition is updated in place
// (Define semantics: UUID match wins). If only the name collides with a
// different UUID, Add fails naming the conflicting VM, per §4.4: "UUID
// match wins, and the operation fails with 'already defined' naming the
// conflicting VM" for the name-only-collision case. A UUID match whose
// new name already belongs to a different VM fails the same way.
func (r *Registry) Add(def domain.Definition, persistent bool) (*VM, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.checkConflict(def)
	switch {
	case c == nil:
		vm := NewVM(def, persistent)
		r.insertLocked(vm)
		return vm, nil

	case c.sameUUID:
		// Redefinition of the same domain, possibly under a new name. If
		// the VM is currently active the new definition only takes effect
		// on its next boot (§4.4); otherwise it applies immediately.
		existing := c.existing
		if other, taken := r.byName[def.Name]; taken && other != existing {
			return nil, errdefs.OperationFailed(
				fmt.Errorf("domain %q is already defined with uuid %s", def.Name, other.UUID()))
		}
		existing.Lock()
		if existing.Name() != def.Name {
			delete(r.byName, existing.Name())
			r.byName[def.Name] = existing
		}
		if existing.IsActive() {
			existing.SetPendingDefinition(&def)
		} else {
			existing.SetDefinition(def)
		}
		existing.SetPersistent(existing.Persistent() || persistent)
		existing.Unlock()
		return existing, nil

	default: // sameName but different UUID
		return nil, errdefs.OperationFailed(
			fmt.Errorf("domain %q is already defined with uuid %s", def.Name, c.existing.UUID()))
	}
}

// insertLocked adds vm to the UUID and name indices and to the insertion
// order. It assigns no numeric id; AssignID does that at start. Caller
// must hold the registry lock.
func (r *Registry) insertLocked(vm *VM) {
	r.byUUID[vm.UUID()] = vm
	r.byName[vm.Name()] = vm
	r.order = append(r.order, vm)
}

// AssignID hands out the next monotonically increasing numeric id and
// indexes vm under it. Called by the lifecycle controller at step 4 of the
// start sequence, before the emulator is launched. Caller must hold the registry lock and the VM's
// own lock must already be held by the caller (id assignment happens
// with both locks held, per §5).
func (r *Registry) AssignID(vm *VM) int {
	id := r.nextID
	r.nextID++
	r.byID[id] = vm
	return id
}

// ReleaseID removes the numeric-id index entry for id, called when a VM
// stops. Caller must hold the registry lock.
func (r *Registry) ReleaseID(id int) {
	delete(r.byID, id)
}

// RemoveInactive deletes vm from every index. It is an error to remove a
// VM that is still active. The lifecycle controller calls it from
// Undefine and when a non-persistent VM has shut off.
func (r *Registry) RemoveInactive(vm *VM) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vm.Lock()
	active := vm.IsActive()
	vm.Unlock()
	if active {
		return errdefs.InvalidArg(fmt.Errorf("domain %q is still active", vm.Name()))
	}

	delete(r.byUUID, vm.UUID())
	delete(r.byName, vm.Name())
	if id := vm.ID(); id >= 0 {
		delete(r.byID, id)
	}
	for i, v := range r.order {
		if v == vm {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// FindByID looks up a VM by its runtime numeric id. Returns nil if not
// found or if no VM is currently active with that id.
func (r *Registry) FindByID(id int) *VM {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// FindByUUID looks up a VM by UUID.
func (r *Registry) FindByUUID(id uuid.UUID) *VM {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUUID[id]
}

// FindByName looks up a VM by name.
func (r *Registry) FindByName(name string) *VM {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

// ForEachLocked calls fn once per VM in insertion order, with the registry
// lock held for the duration of the traversal but not across calls to fn
// (fn is called with neither lock held, so it may take the VM lock
// itself). This mirrors the Event Subsystem's "traverse under the
// registry lock, dispatch without it" discipline described in §4.7.
func (r *Registry) ForEachLocked(fn func(*VM)) {
	r.mu.Lock()
	snapshot := make([]*VM, len(r.order))
	copy(snapshot, r.order)
	r.mu.Unlock()

	for _, vm := range snapshot {
		fn(vm)
	}
}

// List returns every VM currently known, sorted by name for deterministic
// output (used by the daemon's shutdown loop).
func (r *Registry) List() []*VM {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*VM, len(r.order))
	copy(out, r.order)
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Count returns the number of VM objects currently registered.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
