// SPDX-License-Identifier: LGPL-3.0-or-later

// Package reactor implements the I/O Reactor Glue (C9): it watches a
// child emulator's stdout/stderr for readability and exit, draining the
// former into a log file and forwarding exit notifications to the
// Lifecycle Controller. It replaces the historical epoll-based reactor
// with one goroutine per watched stream, which is the idiomatic Go
// substitute for a single-threaded readiness loop.
package reactor

import (
	"bufio"
	"io"
	"sync"

	"github.com/pawitp/libvirt/logger"
)

// ExitReason distinguishes a graceful stop from a failure, per the
// reactor-callback rule in §4.5: HUP without a preceding read error is
// graceful, anything else is a failure.
type ExitReason int

const (
	ExitGraceful ExitReason = iota
	ExitFailed
)

// Watch is one instance of the reactor watching a single VM's stdout and
// stderr pipes. Callers construct one per active VM at the point the
// start sequence installs reactor watches (§4.5 step 7) and call Stop
// when the shutdown sequence removes them (§4.5 step 3).
type Watch struct {
	domain string
	log    logger.Logger
	logOut io.Writer

	onStderrLine func(line string, ok bool)
	onExit       func(reason ExitReason, err error)

	wg       sync.WaitGroup
	mu       sync.Mutex
	sawError bool
	done     bool
}

// Start begins watching stdout and stderr, draining both into logOut
// (the VM's log file, per §4.4's filesystem layout), and invokes onExit
// exactly once, after both streams have reported EOF/HUP or an
// unexpected read error, with the classification described in §4.5.
func Start(domainName string, stdout, stderr io.Reader, logOut io.Writer, log logger.Logger, onExit func(reason ExitReason, err error)) *Watch {
	return StartWithStderrObserver(domainName, stdout, stderr, logOut, log, nil, onExit)
}

// StartWithStderrObserver is Start, plus onStderrLine, which is called
// with every line read from stderr before it is written to the log. The
// Boot Parser (C3) uses this to watch for its markers without opening a
// second reader on the same pipe (stdout/stderr only ever have one
// reader each — the reactor's own drain goroutine).
func StartWithStderrObserver(domainName string, stdout, stderr io.Reader, logOut io.Writer, log logger.Logger, onStderrLine func(line string, ok bool), onExit func(reason ExitReason, err error)) *Watch {
	w := &Watch{domain: domainName, log: log, logOut: logOut, onStderrLine: onStderrLine, onExit: onExit}

	w.wg.Add(2)
	go w.drain("stdout", stdout)
	go w.drain("stderr", stderr)

	go func() {
		w.wg.Wait()
		w.finish()
	}()

	return w
}

// drain copies one stream into the log line by line until it errors or
// hits EOF, recording whether a non-EOF error was seen so finish can
// classify the exit correctly.
func (w *Watch) drain(streamName string, r io.Reader) {
	defer func() {
		if streamName == "stderr" && w.onStderrLine != nil {
			w.onStderrLine("", false) // signal EOF to any boot-parser consumer
		}
		w.wg.Done()
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if streamName == "stderr" && w.onStderrLine != nil {
			w.onStderrLine(line, true)
		}
		if _, err := io.WriteString(w.logOut, line+"\n"); err != nil {
			w.log.Warn("failed to write to domain log", "domain", w.domain, "stream", streamName, "error", err)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		w.mu.Lock()
		w.sawError = true
		w.mu.Unlock()
		w.log.Info("reactor observed read error on domain stream", "domain", w.domain, "stream", streamName, "error", err)
	} else {
		w.log.Info("reactor observed EOF on domain stream", "domain", w.domain, "stream", streamName)
	}
}

func (w *Watch) finish() {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	failed := w.sawError
	w.mu.Unlock()

	reason := ExitGraceful
	if failed {
		reason = ExitFailed
	}
	w.onExit(reason, nil)
}

// Stop is a no-op once both streams have already hit EOF (the common
// case: the child exited and closed its pipes, which already triggered
// onExit); it exists so callers can unconditionally defer Stop without
// checking whether the watch already fired.
func (w *Watch) Stop() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}
