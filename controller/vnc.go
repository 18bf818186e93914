// SPDX-License-Identifier: LGPL-3.0-or-later

package controller

import (
	"fmt"
	"net"

	"github.com/pawitp/libvirt/config"
	"github.com/pawitp/libvirt/errdefs"
)

// allocateVNCPort scans pool for the lowest free TCP port by opening a
// listening socket with SO_REUSEADDR, binding, then closing it (§4.5 step
// 2). A port that fails to bind is simply unavailable; the historical
// implementation this replaces gave up on the whole scan the moment a
// single port's setsockopt/bind failed (§9) — this loop continues past
// the failure and tries the next port instead.
func allocateVNCPort(pool config.PortPool) (int, error) {
	for offset := 0; offset < pool.Count; offset++ {
		port := pool.First + offset
		addr := fmt.Sprintf("0.0.0.0:%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, errdefs.OperationFailed(fmt.Errorf("no free vnc port in range [%d,%d)", pool.First, pool.First+pool.Count))
}
