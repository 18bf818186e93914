// SPDX-License-Identifier: LGPL-3.0-or-later

package controller

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pawitp/libvirt/config"
)

func TestAllocateVNCPortPicksFirstFree(t *testing.T) {
	pool := config.PortPool{First: 15900, Count: 10}
	port, err := allocateVNCPort(pool)
	require.NoError(t, err)
	require.GreaterOrEqual(t, port, pool.First)
	require.Less(t, port, pool.First+pool.Count)
}

// TestAllocateVNCPortSkipsBusyPorts pins down the §9 bug fix: a single
// bind failure must not abort the whole scan, it must try the next port.
func TestAllocateVNCPortSkipsBusyPorts(t *testing.T) {
	pool := config.PortPool{First: 15950, Count: 5}

	busy, err := net.Listen("tcp", "0.0.0.0:15950")
	require.NoError(t, err)
	defer busy.Close()

	port, err := allocateVNCPort(pool)
	require.NoError(t, err)
	require.NotEqual(t, 15950, port)
}

func TestAllocateVNCPortFailsWhenPoolExhausted(t *testing.T) {
	pool := config.PortPool{First: 15960, Count: 2}

	l1, err := net.Listen("tcp", "0.0.0.0:15960")
	require.NoError(t, err)
	defer l1.Close()
	l2, err := net.Listen("tcp", "0.0.0.0:15961")
	require.NoError(t, err)
	defer l2.Close()

	_, err = allocateVNCPort(pool)
	require.Error(t, err)
}
