// SPDX-License-Identifier: LGPL-3.0-or-later

// Package controller implements the Lifecycle Controller (C6) and Device
// Hot-plug (C10): the start/stop/suspend/resume/destroy/save/restore state
// machine that wires the Process Launcher, Monitor Client, Boot Parser,
// Domain Registry, Event Subsystem and I/O Reactor Glue together.
package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pawitp/libvirt/capabilities"
	"github.com/pawitp/libvirt/config"
	"github.com/pawitp/libvirt/domain"
	"github.com/pawitp/libvirt/errdefs"
	"github.com/pawitp/libvirt/events"
	"github.com/pawitp/libvirt/launcher"
	"github.com/pawitp/libvirt/logger"
	"github.com/pawitp/libvirt/monitor"
	"github.com/pawitp/libvirt/reactor"
	"github.com/pawitp/libvirt/registry"
)

var (
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vm_state_transitions_total",
		Help: "Total VM lifecycle state transitions.",
	}, []string{"from", "to"})
	startDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "vm_start_duration_seconds",
		Help: "Wall-clock duration of the VM start sequence.",
	})
)

// monitors tracks the live *monitor.Client per active VM. It is kept on
// the Controller rather than the registry.VM so the registry package
// stays free of a dependency on the monitor package.
type monitorTable struct {
	mu sync.Mutex
	m  map[string]*monitor.Client
}

func newMonitorTable() *monitorTable {
	return &monitorTable{m: make(map[string]*monitor.Client)}
}

func (t *monitorTable) set(name string, c *monitor.Client) {
	t.mu.Lock()
	t.m[name] = c
	t.mu.Unlock()
}

func (t *monitorTable) get(name string) (*monitor.Client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.m[name]
	return c, ok
}

func (t *monitorTable) delete(name string) {
	t.mu.Lock()
	delete(t.m, name)
	t.mu.Unlock()
}

// Controller owns the full VM lifecycle state machine described in §4.5.
type Controller struct {
	reg      *registry.Registry
	store    *registry.Store
	events   *events.Queue
	cfg      *config.Config
	detector *capabilities.Detector
	log      logger.Logger

	monitors *monitorTable
	watches  map[string]*reactor.Watch
	watchMu  sync.Mutex
}

// New constructs a Controller. cfg, reg, store, queue and detector are
// shared with the rest of the daemon; New takes no ownership beyond
// holding references to them.
func New(cfg *config.Config, reg *registry.Registry, store *registry.Store, queue *events.Queue, detector *capabilities.Detector, log logger.Logger) *Controller {
	return &Controller{
		reg:      reg,
		store:    store,
		events:   queue,
		cfg:      cfg,
		detector: detector,
		log:      log,
		monitors: newMonitorTable(),
		watches:  make(map[string]*reactor.Watch),
	}
}

// Define validates def and adds or updates it in the registry as a
// persistent VM, then persists its config file (§4.4).
func (c *Controller) Define(def domain.Definition) (*registry.VM, error) {
	if err := def.Validate(); err != nil {
		return nil, errdefs.InvalidDomain(err)
	}
	vm, err := c.reg.Add(def, true)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveDefinition(vm); err != nil {
		return nil, err
	}
	c.events.Push(events.Event{Kind: events.KindLifecycle, Domain: def.Name, DomainUUID: vm.UUID(), DomainIDSnapshot: vm.IDSnapshot(), Detail: "defined/added"})
	return vm, nil
}

// Undefine removes a SHUTOFF persistent VM from the registry and deletes
// its config file and autostart symlink (§3's destruction rule (a)).
func (c *Controller) Undefine(name string) error {
	vm := c.reg.FindByName(name)
	if vm == nil {
		return errdefs.NoDomain(fmt.Errorf("no domain named %q", name))
	}
	if err := c.reg.RemoveInactive(vm); err != nil {
		return err
	}
	if err := c.store.DeleteDefinition(name); err != nil {
		return err
	}
	c.events.Push(events.Event{Kind: events.KindLifecycle, Domain: name, DomainUUID: vm.UUID(), DomainIDSnapshot: vm.IDSnapshot(), Detail: "undefined"})
	return nil
}

// SetAutostart toggles the autostart symlink for a persistent VM.
func (c *Controller) SetAutostart(name string, enabled bool) error {
	vm := c.reg.FindByName(name)
	if vm == nil {
		return errdefs.NoDomain(fmt.Errorf("no domain named %q", name))
	}
	vm.Lock()
	vm.SetAutostart(enabled)
	vm.Unlock()
	return c.store.SetAutostart(vm, enabled)
}

// Bootstrap runs the mandatory startup directory scan (§4.4): every
// config.xml under Layout.ConfigDir is loaded into the registry as a
// persistent, inactive VM, and its autostart flag is restored from the
// autostart symlink. Call once, before AutostartAll, when the daemon
// opens the driver. A domain that fails to load is logged and skipped,
// not fatal to the rest of the scan.
func (c *Controller) Bootstrap() error {
	defs, err := c.store.LoadAll()
	if err != nil {
		return err
	}
	for _, def := range defs {
		vm, err := c.reg.Add(def, true)
		if err != nil {
			c.log.Warn("failed to register domain at startup", "domain", def.Name, "error", err)
			continue
		}
		if c.store.IsAutostart(def.Name) {
			vm.Lock()
			vm.SetAutostart(true)
			vm.Unlock()
		}
	}
	return nil
}

// AutostartAll starts every VM marked autostart, called once at registry
// open (§12 supplemented feature). Failures are logged, not returned,
// since one mis-configured autostart VM should not block the others.
func (c *Controller) AutostartAll() {
	c.reg.ForEachLocked(func(vm *registry.VM) {
		vm.Lock()
		shouldStart := vm.Autostart() && !vm.IsActive()
		name := vm.Name()
		vm.Unlock()
		if !shouldStart {
			return
		}
		if err := c.Start(name, nil); err != nil {
			c.log.Warn("autostart failed", "domain", name, "error", err)
		}
	})
}

// lookupActive finds vm by name and returns it with its VM lock held;
// callers must Unlock it. Returns errdefs.NoDomain if absent.
func (c *Controller) lookupActive(name string) (*registry.VM, error) {
	vm := c.reg.FindByName(name)
	if vm == nil {
		return nil, errdefs.NoDomain(fmt.Errorf("no domain named %q", name))
	}
	vm.Lock()
	if !vm.IsActive() {
		vm.Unlock()
		return nil, errdefs.InvalidArg(fmt.Errorf("domain %q is not active", name))
	}
	return vm, nil
}

func (c *Controller) monitorFor(vm *registry.VM) (*monitor.Client, error) {
	mc, ok := c.monitors.get(vm.Name())
	if !ok {
		return nil, errdefs.Internal(fmt.Errorf("no monitor connection for domain %q", vm.Name()))
	}
	return mc, nil
}

// Start runs the 13-step start sequence from §4.5. migrateFrom is nil for
// an ordinary boot; non-nil for an incoming migration or restore.
func (c *Controller) Start(name string, migrateFrom *launcher.MigrateFrom) error {
	begin := time.Now()
	vm := c.reg.FindByName(name)
	if vm == nil {
		return errdefs.NoDomain(fmt.Errorf("no domain named %q", name))
	}

	vm.Lock()
	if vm.IsActive() { // step 1
		vm.Unlock()
		return errdefs.InvalidArg(fmt.Errorf("domain %q is already active", name))
	}
	def := vm.Definition()
	vm.Unlock()

	var vncPort int
	if def.Graphics != nil && def.Graphics.AutoPort { // step 2
		port, err := allocateVNCPort(c.cfg.VNCPorts)
		if err != nil {
			return err
		}
		vncPort = port
		def.Graphics.Port = port
	}

	emu, ok := c.detector.Chosen() // step 3
	if !ok {
		return errdefs.NoSupport(fmt.Errorf("no usable emulator binary detected"))
	}
	def.EmulatorPath = emu.Path

	c.reg.Lock()
	vm.Lock()
	id := c.reg.AssignID(vm) // step 4, needs registry+VM locks together per §5
	vm.Unlock()
	c.reg.Unlock()

	rollback := func() {
		c.reg.Lock()
		c.reg.ReleaseID(id)
		c.reg.Unlock()
	}

	logFile, err := c.openDomainLog(name)
	if err != nil { // step 5
		rollback()
		return err
	}

	req := launcher.Request{Def: &def, Features: emu.Features, MigrateFrom: migrateFrom}
	c.log.Debug("launching emulator", "domain", name, "emulator", emu.Path)
	res, err := launcher.Launch(req) // step 6
	if err != nil {
		logFile.Close()
		rollback()
		return err
	}

	vm.Lock()
	vm.SetRuntime(&registry.Runtime{ID: id, PID: res.PID, LogFD: 0, Features: emu.Features})
	vm.Unlock()

	// stdout/stderr each get exactly one reader: the reactor's drain
	// goroutine. The boot parser observes stderr through the reactor's
	// line-observer hook instead of opening a second reader on the pipe.
	bootLines := make(chan monitor.BootLine, 256)
	watch := reactor.StartWithStderrObserver(name, res.Stdout, res.Stderr, logFile, c.log,
		func(line string, ok bool) { // step 7
			select {
			case bootLines <- monitor.BootLine{Text: line, OK: ok}:
			default:
				// boot parsing already finished; drop rather than block the drain loop.
			}
		},
		func(reason reactor.ExitReason, _ error) {
			c.onChildExit(name, reason)
		})
	c.watchMu.Lock()
	c.watches[name] = watch
	c.watchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.BootGreeting)
	paths, err := monitor.ParseBootLines(ctx, bootLines, &def) // step 8
	cancel()
	if err != nil {
		c.shutdownFailedStart(name)
		return err
	}

	mc, err := monitor.Open(paths.Monitor, c.cfg.Timeouts.MonitorHandshake) // step 9
	if err != nil {
		c.shutdownFailedStart(name)
		return err
	}
	c.monitors.set(name, mc)

	vcpuPIDs, err := mc.InfoCPUs(int(def.VCPUs)) // step 10
	if err != nil {
		c.shutdownFailedStart(name)
		return err
	}
	if vcpuPIDs == nil {
		vcpuPIDs = []int{res.PID}
	}

	if err := applyCPUAffinity(def, vcpuPIDs); err != nil { // step 11
		c.shutdownFailedStart(name)
		return err
	}

	if migrateFrom == nil { // step 12
		if err := mc.Cont(); err != nil {
			c.shutdownFailedStart(name)
			return err
		}
	}

	vm.Lock()
	def.Serials = fillPTYPaths(def.Serials, paths.Serials)
	def.Parallels = fillPTYPaths(def.Parallels, paths.Parallels)
	vm.SetDefinition(def)
	rt := vm.Runtime()
	rt.MonitorPath = paths.Monitor
	rt.VCPUPIDs = vcpuPIDs
	if migrateFrom == nil {
		vm.SetState(registry.StateRunning)
	} else {
		vm.SetState(registry.StatePaused)
	}
	vm.Unlock()

	if err := c.store.SaveRuntimeState(vm, res.PID); err != nil { // step 13
		c.log.Warn("failed to persist runtime state after start", "domain", name, "error", err)
	}

	stateTransitions.WithLabelValues("shutoff", vm.State().String()).Inc()
	startDuration.Observe(time.Since(begin).Seconds())
	c.events.Push(events.Event{Kind: events.KindLifecycle, Domain: name, DomainUUID: vm.UUID(), DomainIDSnapshot: vm.IDSnapshot(), Detail: "started/booted"})
	_ = vncPort
	return nil
}

// fillPTYPaths assigns harvested PTY paths, in order, to the PTY-typed
// entries of devs, leaving fixed-path entries untouched.
func fillPTYPaths(devs []domain.CharDevice, harvested []string) []domain.CharDevice {
	idx := 0
	out := make([]domain.CharDevice, len(devs))
	for i, d := range devs {
		out[i] = d
		if d.Type == domain.CharPTY && idx < len(harvested) {
			out[i].Path = harvested[idx]
			idx++
		}
	}
	return out
}

// shutdownFailedStart tears down everything Start has set up so far when
// a step 5-12 failure occurs, per §4.5's "any step 5-12 failure calls
// shutdownVMDaemon" rule. It tolerates any subset of launcher/monitor/
// reactor resources having been created.
func (c *Controller) shutdownFailedStart(name string) {
	if err := c.shutdown(name, "stopped/failed", true); err != nil {
		c.log.Warn("cleanup after failed start also failed", "domain", name, "error", err)
	}
}

func (c *Controller) onChildExit(name string, reason reactor.ExitReason) {
	detail := "stopped/shutdown"
	if reason == reactor.ExitFailed {
		detail = "stopped/failed"
	}
	if err := c.shutdown(name, detail, false); err != nil {
		c.log.Warn("shutdown after child exit failed", "domain", name, "error", err)
	}
}

// Shutdown requests a graceful guest shutdown via ACPI and lets the
// reactor's exit callback drive the actual teardown once the child exits.
func (c *Controller) Shutdown(name string) error {
	vm, err := c.lookupActive(name)
	if err != nil {
		return err
	}
	defer vm.Unlock()
	mc, err := c.monitorFor(vm)
	if err != nil {
		return err
	}
	return mc.SystemPowerdown()
}

// Destroy forcibly terminates an active VM: SIGTERM, then SIGKILL if the
// child does not exit promptly (§4.5 shutdown sequence, §5 cancellation).
func (c *Controller) Destroy(name string) error {
	return c.shutdown(name, "stopped/destroyed", true)
}

// shutdown runs the 6-step shutdown sequence from §4.5. force requests
// an immediate SIGTERM/SIGKILL rather than waiting on a prior graceful
// request to have already been sent.
func (c *Controller) shutdown(name, detail string, force bool) error {
	vm := c.reg.FindByName(name)
	if vm == nil {
		return errdefs.NoDomain(fmt.Errorf("no domain named %q", name))
	}

	vm.Lock()
	rt := vm.Runtime()
	if rt == nil {
		vm.Unlock()
		return nil // already shut off; idempotent
	}
	pid := rt.PID
	vm.Unlock()

	if force && pid > 0 {
		_ = syscall.Kill(pid, syscall.SIGTERM) // step 1
	}

	c.watchMu.Lock()
	if w, ok := c.watches[name]; ok {
		w.Stop() // step 2 drains happen in the reactor goroutines themselves
		delete(c.watches, name)
	}
	c.watchMu.Unlock()

	if mc, ok := c.monitors.get(name); ok { // step 3
		mc.Close()
		c.monitors.delete(name)
	}

	if pid > 0 {
		reaped := waitpidNonblocking(pid)
		if !reaped {
			_ = syscall.Kill(pid, syscall.SIGKILL) // step 4
			_, _ = syscall.Wait4(pid, nil, 0, nil)
		}
	}

	if err := c.store.ClearRuntimeState(name); err != nil { // step 5
		c.log.Warn("failed to clear runtime state on shutdown", "domain", name, "error", err)
	}

	c.reg.Lock()
	vm.Lock()
	idSnapshot := vm.ID()
	if idSnapshot >= 0 {
		c.reg.ReleaseID(idSnapshot)
	}
	c.reg.Unlock()
	vm.ClearRuntime() // step 3 continued: id = -1
	vm.SetState(registry.StateShutoff)
	vm.ConsumePendingDefinition() // step 6
	persistent := vm.Persistent()
	uuid := vm.UUID()
	vm.Unlock()

	stateTransitions.WithLabelValues("running", "shutoff").Inc()
	c.events.Push(events.Event{Kind: events.KindLifecycle, Domain: name, DomainUUID: uuid, DomainIDSnapshot: idSnapshot, Detail: detail})

	if !persistent {
		if err := c.reg.RemoveInactive(vm); err != nil {
			c.log.Warn("failed to remove non-persistent domain after shutdown", "domain", name, "error", err)
		}
	}
	return nil
}

// waitpidNonblocking reports whether pid had already exited.
func waitpidNonblocking(pid int) bool {
	var ws syscall.WaitStatus
	got, err := syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)
	return err == nil && got == pid
}

// Suspend pauses a RUNNING VM's vCPUs via the monitor `stop` command.
func (c *Controller) Suspend(name string) error {
	vm, err := c.lookupActive(name)
	if err != nil {
		return err
	}
	defer vm.Unlock()
	if vm.State() != registry.StateRunning {
		return errdefs.InvalidArg(fmt.Errorf("domain %q is not running", name))
	}
	mc, err := c.monitorFor(vm)
	if err != nil {
		return err
	}
	if err := mc.Stop(); err != nil {
		return err
	}
	vm.SetState(registry.StatePaused)
	stateTransitions.WithLabelValues("running", "paused").Inc()
	c.events.Push(events.Event{Kind: events.KindLifecycle, Domain: name, DomainUUID: vm.UUID(), DomainIDSnapshot: vm.ID(), Detail: "suspended"})
	return nil
}

// Resume continues a PAUSED VM's vCPUs via the monitor `cont` command.
func (c *Controller) Resume(name string) error {
	vm, err := c.lookupActive(name)
	if err != nil {
		return err
	}
	defer vm.Unlock()
	if vm.State() != registry.StatePaused {
		return errdefs.InvalidArg(fmt.Errorf("domain %q is not paused", name))
	}
	mc, err := c.monitorFor(vm)
	if err != nil {
		return err
	}
	if err := mc.Cont(); err != nil {
		return err
	}
	vm.SetState(registry.StateRunning)
	stateTransitions.WithLabelValues("paused", "running").Inc()
	c.events.Push(events.Event{Kind: events.KindLifecycle, Domain: name, DomainUUID: vm.UUID(), DomainIDSnapshot: vm.ID(), Detail: "resumed"})
	return nil
}

// Migrate issues the monitor `migrate` command against an active VM's
// live monitor connection, for the source side of the migration protocol
// (§4.6 Perform).
func (c *Controller) Migrate(name, destURI string) error {
	vm, err := c.lookupActive(name)
	if err != nil {
		return err
	}
	defer vm.Unlock()
	mc, err := c.monitorFor(vm)
	if err != nil {
		return err
	}
	return mc.Migrate(destURI)
}

// SetMigrationSpeed caps the migration bandwidth for an active VM via
// the monitor `migrate_set_speed` command (§4.6 Perform).
func (c *Controller) SetMigrationSpeed(name string, megabytesPerSec int) error {
	vm, err := c.lookupActive(name)
	if err != nil {
		return err
	}
	defer vm.Unlock()
	mc, err := c.monitorFor(vm)
	if err != nil {
		return err
	}
	return mc.MigrateSetSpeed(megabytesPerSec)
}

// startFromSave is Restore's continuation once the header and XML prefix
// have been parsed: it defines def if not already known, then starts it
// with migrate-from = stdio reading the remainder of f, and continues it
// to RUNNING afterward if wasRunning.
func (c *Controller) startFromSave(def *domain.Definition, f *os.File, wasRunning bool) error {
	vm, err := c.Define(*def)
	if err != nil {
		return err
	}
	if err := c.Start(vm.Name(), &launcher.MigrateFrom{Stdin: f}); err != nil {
		return err
	}
	if wasRunning {
		return c.Resume(vm.Name())
	}
	return nil
}

func (c *Controller) openDomainLog(name string) (*os.File, error) {
	if err := os.MkdirAll(c.cfg.Layout.LogDir, 0o755); err != nil {
		return nil, errdefs.System(err)
	}
	path := filepath.Join(c.cfg.Layout.LogDir, name+".log")
	flags := os.O_CREATE | os.O_WRONLY
	if os.Geteuid() == 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errdefs.System(err)
	}
	return f, nil
}
