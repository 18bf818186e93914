// SPDX-License-Identifier: LGPL-3.0-or-later

// Package capabilities probes the local host for an emulator binary (§6
// Probe) and, once one is chosen, the feature flags it advertises on its
// own --help output (§4.1's "detected emulator feature flags").
package capabilities

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pawitp/libvirt/logger"
)

var stat = os.Stat

// Emulator is one of the binaries this driver knows how to drive.
type Emulator struct {
	Path        string    `json:"path"`
	Available   bool      `json:"available"`
	Version     string    `json:"version"`
	Features    Features  `json:"features"`
	LastChecked time.Time `json:"last_checked"`
}

// Features records which argv flags the emulator's --help output
// advertises, so the Process Launcher (C1) can build a compatible argv
// without hard-coding a single emulator's dialect.
type Features struct {
	HasDriveIfVirtio bool // "-drive if=virtio" device model
	HasChardev       bool // "-chardev" replaces legacy "-serial pty"
	HasMonitorPTY    bool // "-monitor pty" is the PTY monitor flavor used throughout
	HasMigrateStdio  bool // "-incoming stdio" supported for restore
}

// candidatePaths is the probe order named in §6. Probe returns the first
// one present on disk; Detect keeps whichever candidate answers first.
var candidatePaths = []string{
	"/usr/bin/qemu",
	"/usr/bin/qemu-kvm",
	"/usr/bin/kvm",
	"/usr/bin/xenner",
}

// Detector discovers and caches the local emulator's capabilities.
type Detector struct {
	mu     sync.RWMutex
	chosen *Emulator
	logger logger.Logger
}

// NewDetector creates a Detector that logs through log.
func NewDetector(log logger.Logger) *Detector {
	return &Detector{logger: log}
}

// Probe locates the first candidate emulator binary present on disk,
// independent of whether it can actually be run. It is the host-capability
// "Probe" check named in §6, used by open() to decide whether this driver
// can service a connection at all.
func Probe() (string, bool) {
	for _, path := range candidatePaths {
		if info, err := stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// Detect runs --help against every candidate concurrently and caches the
// first one that responds; later calls to Chosen() return that result
// until Detect is called again.
func (d *Detector) Detect(ctx context.Context) error {
	d.logger.Info("detecting emulator binary and feature flags")

	var wg sync.WaitGroup
	found := make(chan *Emulator, len(candidatePaths))

	for _, path := range candidatePaths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if e := detectOne(ctx, path); e != nil {
				found <- e
			}
		}(path)
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	var best *Emulator
	for e := range found {
		if best == nil {
			best = e
		}
	}

	d.mu.Lock()
	d.chosen = best
	d.mu.Unlock()

	if best == nil {
		d.logger.Warn("no emulator binary found", "candidates", strings.Join(candidatePaths, ","))
		return nil
	}
	d.logger.Info("emulator detected", "path", best.Path, "version", best.Version)
	return nil
}

// Chosen returns the emulator Detect last settled on, if any.
func (d *Detector) Chosen() (*Emulator, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.chosen == nil {
		return nil, false
	}
	cp := *d.chosen
	return &cp, true
}

func detectOne(ctx context.Context, path string) *Emulator {
	if info, err := stat(path); err != nil || info.IsDir() {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cctx, path, "--help")
	output, _ := cmd.CombinedOutput() // a non-zero exit on --help is common; the text is what matters
	text := string(output)

	cmd = exec.CommandContext(cctx, path, "--version")
	versionOut, err := cmd.Output()
	version := "unknown"
	if err == nil {
		version = strings.TrimSpace(firstLine(string(versionOut)))
	}

	return &Emulator{
		Path:      path,
		Available: true,
		Version:   version,
		Features: Features{
			HasDriveIfVirtio: strings.Contains(text, "-drive"),
			HasChardev:       strings.Contains(text, "-chardev"),
			HasMonitorPTY:    strings.Contains(text, "-monitor"),
			HasMigrateStdio:  strings.Contains(text, "-incoming"),
		},
		LastChecked: time.Now(),
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
