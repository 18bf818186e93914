// SPDX-License-Identifier: LGPL-3.0-or-later

package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDefinition() *Definition {
	return &Definition{
		Name:         "alpha",
		UUID:         uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		EmulatorPath: "/usr/bin/qemu-kvm",
		VirtType:     VirtAccelerated,
		MemoryMaxKiB: 1048576,
		MemoryCurKiB: 1048576,
		VCPUs:        1,
		Serials:      []CharDevice{{Type: CharPTY}},
	}
}

func TestDefinitionValidate(t *testing.T) {
	def := sampleDefinition()
	assert.NoError(t, def.Validate())

	bad := sampleDefinition()
	bad.MemoryCurKiB = bad.MemoryMaxKiB + 1
	assert.ErrorIs(t, bad.Validate(), errMemoryCurExceedsMax)

	bad = sampleDefinition()
	bad.VCPUs = 0
	assert.ErrorIs(t, bad.Validate(), errZeroVCPUs)

	bad = sampleDefinition()
	bad.Disks = []Disk{{Target: "hda"}, {Target: "hda"}}
	assert.ErrorIs(t, bad.Validate(), errDuplicateTarget)
}

func TestFormatParseRoundTrip(t *testing.T) {
	def := sampleDefinition()
	def.Disks = []Disk{{Bus: BusVirtio, Device: DeviceDisk, Target: "vda", Source: "/var/lib/vms/alpha.qcow2"}}

	xmlBytes, err := Format(def)
	require.NoError(t, err)
	require.Contains(t, string(xmlBytes), "alpha")

	parsed, err := Parse(xmlBytes, ParseStrict)
	require.NoError(t, err)

	assert.Equal(t, def.Name, parsed.Name)
	assert.Equal(t, def.UUID, parsed.UUID)
	assert.Equal(t, def.VCPUs, parsed.VCPUs)
	require.Len(t, parsed.Disks, 1)
	assert.Equal(t, "vda", parsed.Disks[0].Target)
}

func TestParseInvalidXMLIsInvalidDomain(t *testing.T) {
	_, err := Parse([]byte("<not-xml"), ParseStrict)
	require.Error(t, err)
}
