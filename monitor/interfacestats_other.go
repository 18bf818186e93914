// SPDX-License-Identifier: LGPL-3.0-or-later

//go:build !linux

package monitor

import "github.com/pawitp/libvirt/errdefs"

// unsupportedOnNonLinux reports InterfaceStats as unsupported on non-Linux
// hosts, cleanly. The historical implementation this replaces had a
// syntactically damaged stub for this path on non-Linux builds (§9); this
// is the fix.
func unsupportedOnNonLinux() error {
	return errdefs.NoSupport(errInterfaceStatsLinuxOnly)
}

var errInterfaceStatsLinuxOnly = interfaceStatsLinuxOnlyError{}

type interfaceStatsLinuxOnlyError struct{}

func (interfaceStatsLinuxOnlyError) Error() string {
	return "monitor: interface stats are only supported on linux"
}
