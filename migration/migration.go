// SPDX-License-Identifier: LGPL-3.0-or-later

// Package migration implements the Migration Coordinator (C7): the
// three-phase (Prepare/Perform/Finish) cross-host migration protocol
// layered on top of the Lifecycle Controller (C6) and Monitor Client
// (C2).
package migration

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pawitp/libvirt/config"
	"github.com/pawitp/libvirt/controller"
	"github.com/pawitp/libvirt/domain"
	"github.com/pawitp/libvirt/errdefs"
	"github.com/pawitp/libvirt/events"
	"github.com/pawitp/libvirt/launcher"
	"github.com/pawitp/libvirt/logger"
)

var migrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vm_migrations_total",
	Help: "Total migration attempts by outcome.",
}, []string{"phase", "outcome"})

// Coordinator runs the three migration phases (§4.6) against a local
// Controller. One Coordinator serves both roles: Prepare/Finish when
// this host is the destination, Perform when it is the source.
type Coordinator struct {
	ctrl *controller.Controller
	cfg  *config.Config
	log  logger.Logger

	mu       sync.Mutex
	nextPort int // round-robin cursor into cfg.MigrationPorts
}

// New constructs a Coordinator over ctrl.
func New(ctrl *controller.Controller, cfg *config.Config, log logger.Logger) *Coordinator {
	return &Coordinator{ctrl: ctrl, cfg: cfg, log: log}
}

// nextMigrationPort round-robins across the configured migration port
// pool, per §4.6's "round-robin across calls" rule.
func (c *Coordinator) nextMigrationPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	port := c.cfg.MigrationPorts.First + c.nextPort
	c.nextPort = (c.nextPort + 1) % c.cfg.MigrationPorts.Count
	return port
}

// Prepare is the destination-side phase: it defines the incoming domain,
// starts it listening for the source's migration stream, and returns the
// canonical URI the source should connect Perform to.
func (c *Coordinator) Prepare(defXML []byte, targetURI string) (canonicalURI string, err error) {
	def, err := domain.Parse(defXML, domain.ParseInactive)
	if err != nil {
		migrationsTotal.WithLabelValues("prepare", "error").Inc()
		return "", err
	}

	port, err := parseOrAllocatePort(targetURI, c.nextMigrationPort)
	if err != nil {
		migrationsTotal.WithLabelValues("prepare", "error").Inc()
		return "", err
	}

	vm, err := c.ctrl.Define(*def)
	if err != nil {
		migrationsTotal.WithLabelValues("prepare", "error").Inc()
		return "", err
	}
	if vm.IsActiveSnapshot() {
		migrationsTotal.WithLabelValues("prepare", "error").Inc()
		return "", errdefs.InvalidArg(fmt.Errorf("migration: domain %q is already active", def.Name))
	}

	if err := c.ctrl.Start(def.Name, &launcher.MigrateFrom{TCP: fmt.Sprintf("0.0.0.0:%d", port)}); err != nil {
		migrationsTotal.WithLabelValues("prepare", "error").Inc()
		return "", err
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	migrationsTotal.WithLabelValues("prepare", "ok").Inc()
	return fmt.Sprintf("tcp:%s:%d", host, port), nil
}

// Perform is the source-side phase: it pauses the VM, streams its state
// to destURI via the monitor's migrate command, and on success shuts the
// source VM down. A Perform that fails after `stop` but before `migrate`
// completes leaves the VM PAUSED — per §4.6's idempotence note, the
// caller must resume it explicitly; Perform does not auto-resume a
// failed attempt, since the caller may instead choose to retry.
func (c *Coordinator) Perform(domainName, destURI string, bandwidthMBps int, wasLive bool) error {
	if err := c.ctrl.Suspend(domainName); err != nil && !errdefs.IsInvalidArg(err) {
		// IsInvalidArg here means "already paused" (not running); anything
		// else is a real failure to report.
		migrationsTotal.WithLabelValues("perform", "error").Inc()
		return err
	}

	if bandwidthMBps > 0 {
		if err := c.ctrl.SetMigrationSpeed(domainName, bandwidthMBps); err != nil {
			migrationsTotal.WithLabelValues("perform", "error").Inc()
			return err
		}
	}

	if err := c.ctrl.Migrate(domainName, destURI); err != nil {
		migrationsTotal.WithLabelValues("perform", "error").Inc()
		return err
	}

	if err := c.ctrl.Destroy(domainName); err != nil {
		migrationsTotal.WithLabelValues("perform", "error").Inc()
		return err
	}
	migrationsTotal.WithLabelValues("perform", "ok").Inc()
	return nil
}

// Finish is the destination-side phase, called once the source reports
// Perform's outcome: on success the listening VM is resumed to RUNNING
// through Controller.Resume, which pushes a "resumed" event; on failure it
// is torn down through Controller.Destroy, which pushes "stopped/destroyed".
// Finish pushes no "resumed/migrated" or "stopped/failed" event of its own.
func (c *Coordinator) Finish(domainName string, sourceSucceeded bool) error {
	if !sourceSucceeded {
		migrationsTotal.WithLabelValues("finish", "error").Inc()
		return c.ctrl.Destroy(domainName)
	}
	if err := c.ctrl.Resume(domainName); err != nil {
		migrationsTotal.WithLabelValues("finish", "error").Inc()
		return err
	}
	migrationsTotal.WithLabelValues("finish", "ok").Inc()
	return nil
}

// parseOrAllocatePort extracts the port from a "tcp:HOST:PORT" targetURI,
// or calls alloc to round-robin one from the pool when targetURI is
// empty (§4.6).
func parseOrAllocatePort(targetURI string, alloc func() int) (int, error) {
	if targetURI == "" {
		return alloc(), nil
	}
	rest, ok := strings.CutPrefix(targetURI, "tcp:")
	if !ok {
		return 0, errdefs.InvalidArg(fmt.Errorf("migration: invalid target uri %q: want tcp:HOST:PORT", targetURI))
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx < 0 {
		return 0, errdefs.InvalidArg(fmt.Errorf("migration: invalid target uri %q: want tcp:HOST:PORT", targetURI))
	}
	port, err := strconv.Atoi(rest[idx+1:])
	if err != nil {
		return 0, errdefs.InvalidArg(fmt.Errorf("migration: invalid port in target uri %q: %w", targetURI, err))
	}
	return port, nil
}

// Events registers an observer on queue, filtered to events whose detail
// is "resumed/migrated" or "stopped/failed", and logs each as it fires.
// None of the phases in this file push "resumed/migrated"; "stopped/failed"
// comes from failed starts and failed emulator exits.
func Events(queue *events.Queue, log logger.Logger) events.CallbackID {
	return queue.Register(func(ev events.Event) bool {
		return ev.Detail == "resumed/migrated" || ev.Detail == "stopped/failed"
	}, func(ev events.Event) {
		log.Info("migration event", "domain", ev.Domain, "detail", ev.Detail)
	})
}
