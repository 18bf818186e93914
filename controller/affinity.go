// SPDX-License-Identifier: LGPL-3.0-or-later

package controller

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/pawitp/libvirt/domain"
	"github.com/pawitp/libvirt/errdefs"
)

// applyCPUAffinity pins every vCPU thread in vcpuPIDs to the host CPU set
// named by def.CPUAffinity (§4.5 step 11). A nil CPUAffinity is a no-op:
// the vCPU threads keep the scheduler's default placement.
func applyCPUAffinity(def domain.Definition, vcpuPIDs []int) error {
	if def.CPUAffinity == nil {
		return nil
	}

	var mask unix.CPUSet
	mask.Zero()
	for cpu, allowed := range def.CPUAffinity {
		if allowed {
			mask.Set(cpu)
		}
	}

	for _, tid := range vcpuPIDs {
		if err := unix.SchedSetaffinity(tid, &mask); err != nil {
			return errdefs.System(fmt.Errorf("controller: set cpu affinity for thread %d: %w", tid, err))
		}
	}
	return nil
}
