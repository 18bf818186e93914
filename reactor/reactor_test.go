// SPDX-License-Identifier: LGPL-3.0-or-later

package reactor

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pawitp/libvirt/logger"
)

func TestWatchDrainsAndReportsGracefulExitOnEOF(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	var logBuf bytes.Buffer
	var mu sync.Mutex

	var reason ExitReason
	done := make(chan struct{})

	Start("web1", stdoutR, stderrR, &syncWriter{w: &logBuf, mu: &mu}, logger.New("error"), func(r ExitReason, err error) {
		reason = r
		close(done)
	})

	stdoutW.Write([]byte("booting\n"))
	stdoutW.Close()
	stderrW.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onExit never called")
	}

	require.Equal(t, ExitGraceful, reason)

	mu.Lock()
	require.Contains(t, logBuf.String(), "booting")
	mu.Unlock()
}

func TestStartWithStderrObserverSeesEveryLineAndEOF(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	var logBuf bytes.Buffer
	var mu sync.Mutex

	var seen []string
	var sawEOF bool
	var obsMu sync.Mutex

	done := make(chan struct{})
	StartWithStderrObserver("web2", stdoutR, stderrR, &syncWriter{w: &logBuf, mu: &mu}, logger.New("error"),
		func(line string, ok bool) {
			obsMu.Lock()
			defer obsMu.Unlock()
			if !ok {
				sawEOF = true
				return
			}
			seen = append(seen, line)
		},
		func(r ExitReason, err error) { close(done) })

	stderrW.Write([]byte("char device redirected to /dev/pts/3\n"))
	stdoutW.Close()
	stderrW.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onExit never called")
	}

	obsMu.Lock()
	defer obsMu.Unlock()
	require.Equal(t, []string{"char device redirected to /dev/pts/3"}, seen)
	require.True(t, sawEOF)
}

type syncWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
