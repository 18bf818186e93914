// SPDX-License-Identifier: LGPL-3.0-or-later

package monitor

import (
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
)

// TestStripEchoS3 is the exact scenario from the specification: an
// emulator that re-echoes the growing partial command on every keystroke,
// with backspace-like noise bytes interleaved.
func TestStripEchoS3(t *testing.T) {
	cmd := "info cpus"
	raw := "iXinXinfXinfoXinfo Xinfo cXinfo cpXinfo cpuXinfo cpusX\n* CPU #0: pc=0x0 thread_id=42\n"

	got := stripEcho(cmd, raw)
	require.Equal(t, "info cpus\n* CPU #0: pc=0x0 thread_id=42\n", got)
}

func TestStripEchoNoEchoAtAll(t *testing.T) {
	// Some consoles disable echo entirely; stripEcho must be a no-op then.
	raw := "* CPU #0: pc=0x0 thread_id=42\n"
	got := stripEcho("info cpus", raw)
	require.Equal(t, raw, got)
}

// TestClientCommandOverRealPTY exercises the full read loop (poll + read +
// echo-stripping + prompt detection) against a real PTY pair, with a
// goroutine standing in for the emulator side.
func TestClientCommandOverRealPTY(t *testing.T) {
	ptmx, tty, err := pty.Open()
	require.NoError(t, err)
	defer ptmx.Close()
	defer tty.Close()

	go func() {
		// initial handshake prompt
		_, _ = ptmx.Write([]byte(prompt))

		buf := make([]byte, 256)
		n, err := ptmx.Read(buf)
		if err != nil {
			return
		}
		_ = buf[:n] // the written "info cpus\r"

		// emulate per-keystroke echo noise followed by the real reply and prompt
		_, _ = ptmx.Write([]byte("iXinXinfXinfoXinfo Xinfo cXinfo cpXinfo cpuXinfo cpusX\n* CPU #0: pc=0x0 thread_id=42\n(qemu) "))
	}()

	client, err := Open(tty.Name(), 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.Command("info cpus")
	require.NoError(t, err)
	require.Equal(t, "info cpus\n* CPU #0: pc=0x0 thread_id=42\n", reply)
}
