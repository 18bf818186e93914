// SPDX-License-Identifier: LGPL-3.0-or-later

package domain

import "errors"

var (
	errNoName              = errors.New("domain definition: name is required")
	errNoUUID               = errors.New("domain definition: uuid is required")
	errNoEmulator           = errors.New("domain definition: emulator path is required")
	errMemoryCurExceedsMax  = errors.New("domain definition: current memory exceeds maximum memory")
	errZeroVCPUs            = errors.New("domain definition: vcpu count must be at least 1")
	errAffinityTooShort     = errors.New("domain definition: cpu affinity mask shorter than vcpu count")
	errDiskNoTarget         = errors.New("domain definition: disk target name is required")
	errDuplicateTarget      = errors.New("domain definition: duplicate disk target name")
)
