// SPDX-License-Identifier: LGPL-3.0-or-later

package capabilities

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawitp/libvirt/logger"
)

func TestProbeNoCandidatesPresent(t *testing.T) {
	orig := stat
	defer func() { stat = orig }()
	stat = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }

	_, ok := Probe()
	assert.False(t, ok)
}

func TestDetectorChosenEmptyBeforeDetect(t *testing.T) {
	d := NewDetector(logger.New("error"))
	_, ok := d.Chosen()
	require.False(t, ok)
}
