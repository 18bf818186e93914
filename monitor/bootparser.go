// SPDX-License-Identifier: LGPL-3.0-or-later

package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pawitp/libvirt/domain"
	"github.com/pawitp/libvirt/errdefs"
)

const charRedirectPrefix = "char device redirected to "

// BootPaths is what the Boot Parser (C3) harvests from the emulator's
// stderr: the monitor's PTY path followed by one path per PTY-typed
// serial/parallel device, in definition order.
type BootPaths struct {
	Monitor   string
	Serials   []string
	Parallels []string
}

// ParseBoot reads stderr incrementally until it has harvested one path for
// the monitor, one per PTY-typed serial device (in definition order), one
// per PTY-typed parallel device (in definition order), and has observed the
// "(qemu) " prompt — or until ctx is cancelled. The line scanner starts
// with a 1024-byte buffer and accepts lines of up to 64 KiB.
func ParseBoot(ctx context.Context, stderr lineReader, def *domain.Definition) (*BootPaths, error) {
	wantSerials := countPTY(def.Serials)
	wantParallels := countPTY(def.Parallels)

	paths := &BootPaths{}
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 1024), 64*1024)

	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		} else {
			errs <- errEOF
		}
	}()

	haveMonitor := false
	for len(paths.Serials) < wantSerials || len(paths.Parallels) < wantParallels || !haveMonitor {
		select {
		case <-ctx.Done():
			return nil, errdefs.OperationFailed(fmt.Errorf("boot parser: %w", ctx.Err()))
		case err := <-errs:
			return nil, errdefs.OperationFailed(fmt.Errorf("boot parser: emulator stderr ended before boot completed: %w", err))
		case line := <-lines:
			if path, ok := strings.CutPrefix(line, charRedirectPrefix); ok {
				switch {
				case paths.Monitor == "":
					paths.Monitor = path
				case len(paths.Serials) < wantSerials:
					paths.Serials = append(paths.Serials, path)
				case len(paths.Parallels) < wantParallels:
					paths.Parallels = append(paths.Parallels, path)
				}
			}
			if strings.Contains(line, promptText) {
				haveMonitor = true
			}
		}
	}

	return paths, nil
}

// BootLine is one message on a ParseBootLines channel: either a line of
// stderr text (OK=true) or the terminal end-of-stream marker (OK=false).
type BootLine struct {
	Text string
	OK   bool
}

// ParseBootLines is ParseBoot for callers that already have a single
// dedicated reader draining stderr (the Reactor) and don't want a second,
// competing reader on the same pipe. lines delivers {Text, true} per
// line and a final {_, false} when the stream ends; the sender is
// responsible for sending that final message exactly once.
func ParseBootLines(ctx context.Context, lines <-chan BootLine, def *domain.Definition) (*BootPaths, error) {
	wantSerials := countPTY(def.Serials)
	wantParallels := countPTY(def.Parallels)

	paths := &BootPaths{}
	haveMonitor := false
	for len(paths.Serials) < wantSerials || len(paths.Parallels) < wantParallels || !haveMonitor {
		select {
		case <-ctx.Done():
			return nil, errdefs.OperationFailed(fmt.Errorf("boot parser: %w", ctx.Err()))
		case msg := <-lines:
			if !msg.OK {
				return nil, errdefs.OperationFailed(fmt.Errorf("boot parser: emulator stderr ended before boot completed"))
			}
			line := msg.Text
			if path, ok := strings.CutPrefix(line, charRedirectPrefix); ok {
				switch {
				case paths.Monitor == "":
					paths.Monitor = path
				case len(paths.Serials) < wantSerials:
					paths.Serials = append(paths.Serials, path)
				case len(paths.Parallels) < wantParallels:
					paths.Parallels = append(paths.Parallels, path)
				}
			}
			if strings.Contains(line, promptText) {
				haveMonitor = true
			}
		}
	}

	return paths, nil
}

// lineReader is the subset of io.Reader ParseBoot needs; satisfied by
// *os.File (the Launcher's stderr pipe) and, in tests, any io.Reader.
type lineReader = interface {
	Read(p []byte) (n int, err error)
}

func countPTY(devs []domain.CharDevice) int {
	n := 0
	for _, d := range devs {
		if d.Type == domain.CharPTY {
			n++
		}
	}
	return n
}

var errEOF = errors.New("EOF")

// BootTimeout returns a context bounded by the spec's 3s console-discovery
// budget (§4.3); callers compose it with the 10s monitor-handshake budget
// themselves once the monitor FD is open.
func BootTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 3*time.Second)
}
