// SPDX-License-Identifier: LGPL-3.0-or-later

package monitor

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
)

func TestEscapeMonitorRoundTrip(t *testing.T) {
	f := func(s string) bool {
		return UnescapeMonitor(EscapeMonitor(s)) == s
	}
	assert.NoError(t, quick.Check(f, nil))
}

func TestEscapeMonitorKnownCases(t *testing.T) {
	assert.Equal(t, `a\rb\nc\"d\\e`, EscapeMonitor("a\rb\nc\"d\\e"))
}

func TestEscapeShellAddsQuoteEscaping(t *testing.T) {
	in := `it's a "test"` + "\n"
	escaped := EscapeShell(in)
	// every raw ' becomes '\'' on top of monitor-escaping.
	assert.Contains(t, escaped, `'\''`)
	assert.Contains(t, escaped, `\"`)
	assert.Contains(t, escaped, `\n`)
}
