// SPDX-License-Identifier: LGPL-3.0-or-later

package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pawitp/libvirt/domain"
)

func TestParseBootS2(t *testing.T) {
	stderr := strings.NewReader(
		"char device redirected to /dev/pts/7\n" +
			"char device redirected to /dev/pts/9\n" +
			"(qemu) ",
	)

	def := &domain.Definition{
		Serials: []domain.CharDevice{{Type: domain.CharPTY}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	paths, err := ParseBoot(ctx, stderr, def)
	require.NoError(t, err)
	require.Equal(t, "/dev/pts/7", paths.Monitor)
	require.Equal(t, []string{"/dev/pts/9"}, paths.Serials)
}

func TestParseBootFailsOnIncompleteStream(t *testing.T) {
	stderr := strings.NewReader("char device redirected to /dev/pts/7\n")
	def := &domain.Definition{Serials: []domain.CharDevice{{Type: domain.CharPTY}}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ParseBoot(ctx, stderr, def)
	require.Error(t, err)
}

func TestParseBootLinesFromChannel(t *testing.T) {
	lines := make(chan BootLine, 8)
	lines <- BootLine{Text: "char device redirected to /dev/pts/7", OK: true}
	lines <- BootLine{Text: "char device redirected to /dev/pts/9", OK: true}
	lines <- BootLine{Text: "(qemu) ", OK: true}

	def := &domain.Definition{Serials: []domain.CharDevice{{Type: domain.CharPTY}}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	paths, err := ParseBootLines(ctx, lines, def)
	require.NoError(t, err)
	require.Equal(t, "/dev/pts/7", paths.Monitor)
	require.Equal(t, []string{"/dev/pts/9"}, paths.Serials)
}

func TestParseBootLinesFailsOnChannelClose(t *testing.T) {
	lines := make(chan BootLine, 1)
	lines <- BootLine{OK: false}

	def := &domain.Definition{}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := ParseBootLines(ctx, lines, def)
	require.Error(t, err)
}
