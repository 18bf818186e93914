// SPDX-License-Identifier: LGPL-3.0-or-later

// Package launcher builds the argv/env for an emulator child and fork-execs
// it (C1). It owns nothing about the VM's subsequent lifecycle: once exec
// succeeds, the caller is handed the child's PID and stdout/stderr pipes
// and takes over.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/pawitp/libvirt/capabilities"
	"github.com/pawitp/libvirt/domain"
	"github.com/pawitp/libvirt/errdefs"
)

// MigrateFrom describes how an incoming VM should receive its initial
// state: either a migration stream arriving over TCP, or a restore stream
// fed through the child's stdin.
type MigrateFrom struct {
	// TCP is "HOST:PORT" when non-empty; mutually exclusive with Stdin.
	TCP string
	// Stdin, when non-nil, is dup'd onto the child's stdin (restore).
	Stdin *os.File
}

// Request is everything the Launcher needs to start one emulator child.
type Request struct {
	Def       *domain.Definition
	Features  capabilities.Features
	TapFDs    []*os.File // inherited network tap fds, kept open across exec
	MigrateFrom *MigrateFrom
}

// Result is what a successful Launch hands back; the caller (the Reactor
// and Lifecycle Controller) takes ownership of every field.
type Result struct {
	PID    int
	Stdout *os.File
	Stderr *os.File
	Cmd    *exec.Cmd
}

// Launch builds argv/env for req and fork-execs the emulator. Every fd not
// explicitly kept is close-on-exec; stdout/stderr are returned as pipes the
// caller reads asynchronously; if req.MigrateFrom.Stdin is set it is dup'd
// onto the child's stdin.
func Launch(req Request) (*Result, error) {
	if req.Def.EmulatorPath == "" {
		return nil, errdefs.InvalidDomain(fmt.Errorf("launcher: definition has no emulator path"))
	}

	argv := BuildArgv(req.Def, req.Features, req.MigrateFrom)

	cmd := exec.Command(req.Def.EmulatorPath, argv[1:]...)
	cmd.Env = BuildEnv(req.Def)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errdefs.System(fmt.Errorf("launcher: stdout pipe: %w", err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, errdefs.System(fmt.Errorf("launcher: stderr pipe: %w", err))
	}

	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if req.MigrateFrom != nil && req.MigrateFrom.Stdin != nil {
		cmd.Stdin = req.MigrateFrom.Stdin
	}

	// Every tap fd must survive exec; os/exec only preserves fds listed in
	// ExtraFiles (which become fd 3, 4, ... in the child, in order).
	cmd.ExtraFiles = append(cmd.ExtraFiles, req.TapFDs...)

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		stdoutR.Close()
		stderrR.Close()
		return nil, errdefs.System(fmt.Errorf("launcher: exec %s: %w", req.Def.EmulatorPath, err))
	}

	// The write ends now belong to the child; the parent only reads.
	stdoutW.Close()
	stderrW.Close()

	if err := unix.SetNonblock(int(stdoutR.Fd()), true); err != nil {
		_ = cmd.Process.Kill()
		return nil, errdefs.System(fmt.Errorf("launcher: set stdout nonblocking: %w", err))
	}
	if err := unix.SetNonblock(int(stderrR.Fd()), true); err != nil {
		_ = cmd.Process.Kill()
		return nil, errdefs.System(fmt.Errorf("launcher: set stderr nonblocking: %w", err))
	}

	return &Result{
		PID:    cmd.Process.Pid,
		Stdout: stdoutR,
		Stderr: stderrR,
		Cmd:    cmd,
	}, nil
}

// BuildArgv constructs the emulator argv in this order: name, memory,
// vcpus, machine/accel flags, one flag per disk and interface, -monitor,
// one flag per serial and parallel char device, the display flag and, if
// migrating in, -incoming. The monitor precedes the char devices because
// the Boot Parser takes the first redirected PTY path as the monitor's.
func BuildArgv(def *domain.Definition, feat capabilities.Features, mf *MigrateFrom) []string {
	argv := []string{def.EmulatorPath}

	argv = append(argv, "-name", def.Name)
	argv = append(argv, "-m", strconv.FormatUint(def.MemoryMaxKiB/1024, 10))
	argv = append(argv, "-smp", strconv.FormatUint(uint64(def.VCPUs), 10))

	switch def.VirtType {
	case domain.VirtAccelerated:
		argv = append(argv, "-enable-kvm")
	case domain.VirtAcceleratedAlt:
		argv = append(argv, "-accel", "hvf")
	}

	for _, disk := range def.Disks {
		argv = append(argv, diskArgs(disk, feat)...)
	}

	for _, iface := range def.Interfaces {
		argv = append(argv, "-net", netArg(iface))
	}

	argv = append(argv, "-monitor", "pty")

	for _, serial := range def.Serials {
		argv = append(argv, "-serial", charArg(serial, feat))
	}
	for _, parallel := range def.Parallels {
		argv = append(argv, "-parallel", charArg(parallel, feat))
	}

	if def.Graphics != nil {
		if def.Graphics.AutoPort {
			argv = append(argv, "-vnc", fmt.Sprintf(":%d", def.Graphics.Port-5900))
		} else if def.Graphics.Listen != "" {
			argv = append(argv, "-vnc", def.Graphics.Listen)
		}
	} else {
		argv = append(argv, "-nographic")
	}

	if mf != nil {
		if mf.TCP != "" {
			argv = append(argv, "-incoming", "tcp:"+mf.TCP)
		} else if mf.Stdin != nil && feat.HasMigrateStdio {
			argv = append(argv, "-incoming", "stdio")
		}
	}

	return argv
}

func diskArgs(d domain.Disk, feat capabilities.Features) []string {
	if feat.HasDriveIfVirtio || d.Bus == domain.BusVirtio {
		spec := fmt.Sprintf("file=%s,if=%s", d.Source, string(d.Bus))
		if d.Device == domain.DeviceCDROM {
			spec += ",media=cdrom"
		}
		return []string{"-drive", spec}
	}
	switch d.Bus {
	case domain.BusIDE:
		return []string{"-hda", d.Source}
	default:
		return []string{"-drive", fmt.Sprintf("file=%s,if=%s", d.Source, string(d.Bus))}
	}
}

func netArg(i domain.Interface) string {
	if i.Bridge != "" {
		return fmt.Sprintf("bridge,br=%s", i.Bridge)
	}
	return "user"
}

func charArg(c domain.CharDevice, feat capabilities.Features) string {
	switch c.Type {
	case domain.CharPTY:
		return "pty"
	case domain.CharNull:
		return "null"
	default:
		return c.Path
	}
}

// BuildEnv returns the environment for the emulator child. The emulator
// inherits nothing ambient beyond the bare essentials; HOME and PATH are
// preserved so dynamic-linker and temp-file lookups behave normally.
func BuildEnv(def *domain.Definition) []string {
	env := []string{}
	for _, key := range []string{"PATH", "HOME", "LANG"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env, "QEMU_AUDIO_DRV=none")
	return env
}
