// SPDX-License-Identifier: LGPL-3.0-or-later

// Package monitor implements the Monitor Client (C2) and Boot Parser (C3):
// the line-oriented request/response dialogue with a character-device
// console exposed by each emulator child over a PTY.
package monitor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pawitp/libvirt/errdefs"
)

// promptText is the monitor's prompt with no leading newline, as it
// appears once bufio.Scanner has already split the surrounding stream
// into newline-delimited lines (used by the Boot Parser). prompt is the
// same text with the newline that precedes it on the wire, used by
// Client.readUntil which works over the raw, unsplit byte stream and
// needs that newline to know where the final real line ends.
const promptText = "(qemu) "
const prompt = "\n" + promptText

// Client owns one PTY connection to one emulator's monitor console.
// Callers are responsible for serializing calls per the VM lock (§4.2);
// Client itself performs no internal locking.
type Client struct {
	fd       *os.File
	readBuf  []byte
}

// Open opens the monitor PTY at path and blocks until the first prompt is
// seen, up to the monitor-handshake timeout (§4.3, 10s).
func Open(path string, handshakeTimeout time.Duration) (*Client, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errdefs.System(fmt.Errorf("monitor: open %s: %w", path, err))
	}
	c := &Client{fd: f, readBuf: make([]byte, 0, 4096)}

	deadline := time.Now().Add(handshakeTimeout)
	if _, err := c.readUntil(prompt, deadline); err != nil {
		f.Close()
		return nil, errdefs.OperationFailed(fmt.Errorf("monitor: handshake with %s: %w", path, err))
	}
	return c, nil
}

// Close closes the underlying PTY fd. Any in-flight Command call fails
// with a read error once this returns.
func (c *Client) Close() error {
	return c.fd.Close()
}

// Command writes cmd terminated by \r, blocks until the prompt reappears,
// and returns the cleaned reply with echo noise stripped (§4.2, S3).
// Cancellation occurs only by the caller closing the Client (e.g. on VM
// shutdown); Command itself has no timeout once the write succeeds, as §5
// documents the monitor is trusted not to hang.
func (c *Client) Command(cmd string) (string, error) {
	if _, err := c.fd.Write([]byte(cmd + "\r")); err != nil {
		return "", errdefs.System(fmt.Errorf("monitor: write command: %w", err))
	}

	raw, err := c.readUntil(prompt, time.Time{})
	if err != nil {
		return "", errdefs.OperationFailed(fmt.Errorf("monitor: read reply: %w", err))
	}

	return stripEcho(cmd, raw), nil
}

// stripEcho implements §4.2's echo-stripping rule: locate the first full
// copy of cmd in raw, discard everything before it, then splice out the
// noise between the end of that copy and the following newline.
func stripEcho(cmd, raw string) string {
	idx := strings.Index(raw, cmd)
	if idx < 0 {
		// Peer is not echoing (or echo was already disabled); nothing to strip.
		return raw
	}
	trimmed := raw[idx:]
	afterCmd := trimmed[len(cmd):]
	nl := strings.IndexByte(afterCmd, '\n')
	if nl < 0 {
		return cmd
	}
	return cmd + afterCmd[nl:]
}

// readUntil blocks, using poll(2) on the monitor fd, until marker appears
// in the accumulated buffer, returning everything up to and including the
// newline the marker begins with (so the caller's reply retains its final
// line terminator but never the literal "(qemu) " text). If deadline is
// the zero Time, it blocks indefinitely per §5's unbounded suspension point.
func (c *Client) readUntil(marker string, deadline time.Time) (string, error) {
	buf := make([]byte, 1024)
	for {
		if idx := strings.Index(string(c.readBuf), marker); idx >= 0 {
			out := string(c.readBuf[:idx+1]) // keep the marker's leading \n
			c.readBuf = append([]byte(nil), c.readBuf[idx+len(marker):]...)
			return out, nil
		}

		timeoutMs := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return "", errTimeout
			}
			timeoutMs = int(remaining / time.Millisecond)
		}

		fds := []unix.PollFd{{Fd: int32(c.fd.Fd()), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return "", err
		}
		if n == 0 {
			return "", errTimeout
		}

		read, err := c.fd.Read(buf)
		if err != nil {
			return "", err
		}
		c.readBuf = append(c.readBuf, buf[:read]...)
	}
}

var errTimeout = fmt.Errorf("monitor: timed out waiting for reply")

// InfoCPUs issues "info cpus" and parses per-vCPU thread-ids. If the
// emulator doesn't recognize the command, it returns (nil, nil): the
// caller degrades to "no per-vCPU thread mapping" rather than failing
// (§4.2). Parsed vcpu numbers must be strictly ascending from 0; the
// bounds check against the expected vcpu count uses >=, not >, fixing the
// historical off-by-one (§9).
func (c *Client) InfoCPUs(expectedVCPUs int) ([]int, error) {
	reply, err := c.Command("info cpus")
	if err != nil {
		return nil, err
	}
	if strings.Contains(reply, "unknown command:") {
		return nil, nil
	}

	var pids []int
	lastVCPU := -1
	for _, line := range strings.Split(reply, "\n") {
		idx := strings.Index(line, "thread_id=")
		if idx < 0 || !strings.Contains(line, "#") {
			continue
		}
		vcpuNum, tid, ok := parseCPULine(line)
		if !ok {
			continue
		}
		if vcpuNum != lastVCPU+1 {
			return nil, errdefs.OperationFailed(fmt.Errorf("monitor: info cpus: vcpu numbers not strictly ascending: got %d after %d", vcpuNum, lastVCPU))
		}
		lastVCPU = vcpuNum
		if vcpuNum >= expectedVCPUs {
			return nil, errdefs.Internal(fmt.Errorf("monitor: info cpus: vcpu index %d out of range for %d vcpus", vcpuNum, expectedVCPUs))
		}
		pids = append(pids, tid)
	}
	return pids, nil
}

func parseCPULine(line string) (vcpu, tid int, ok bool) {
	hashIdx := strings.IndexByte(line, '#')
	if hashIdx < 0 {
		return 0, 0, false
	}
	rest := line[hashIdx+1:]
	colonIdx := strings.IndexByte(rest, ':')
	if colonIdx < 0 {
		return 0, 0, false
	}
	vcpu, err := strconv.Atoi(strings.TrimSpace(rest[:colonIdx]))
	if err != nil {
		return 0, 0, false
	}
	tidIdx := strings.Index(line, "thread_id=")
	if tidIdx < 0 {
		return 0, 0, false
	}
	tidStr := strings.Fields(line[tidIdx+len("thread_id="):])
	if len(tidStr) == 0 {
		return 0, 0, false
	}
	tid, err = strconv.Atoi(tidStr[0])
	if err != nil {
		return 0, 0, false
	}
	return vcpu, tid, true
}

// BlockStat is one device's counters from "info blockstats".
type BlockStat struct {
	Device        string
	RdBytes       int64
	WrBytes       int64
	RdOperations  int64
	WrOperations  int64
}

// BlockStats issues "info blockstats" and parses per-device counters.
// Unsupported emulators reply with a line starting "info ", which this
// method reports as errdefs.NoSupport rather than returning a misleading
// empty result.
func (c *Client) BlockStats() ([]BlockStat, error) {
	reply, err := c.Command("info blockstats")
	if err != nil {
		return nil, err
	}
	body := afterCommandLine(reply, "info blockstats")
	if strings.HasPrefix(strings.TrimSpace(body), "info ") {
		return nil, errdefs.NoSupport(fmt.Errorf("monitor: info blockstats not supported by this emulator"))
	}

	var stats []BlockStat
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		s := BlockStat{Device: line[:colon]}
		fields := strings.Fields(line[colon+1:])
		for _, f := range fields {
			kv := strings.SplitN(f, "=", 2)
			if len(kv) != 2 {
				continue
			}
			val, _ := strconv.ParseInt(kv[1], 10, 64)
			switch kv[0] {
			case "rd_bytes":
				s.RdBytes = val
			case "wr_bytes":
				s.WrBytes = val
			case "rd_operations":
				s.RdOperations = val
			case "wr_operations":
				s.WrOperations = val
			}
		}
		stats = append(stats, s)
	}
	return stats, nil
}
