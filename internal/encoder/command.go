// SPDX-License-Identifier: MIT

// Package encoder owns the ffmpeg child process for one stream: building
// its command line, spawning it in its own process group, classifying its
// stderr and its exit, and driving it through a graceful-then-forced stop.
package encoder

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/relaycast/agent/internal/streamtype"
)

// BuildCommand constructs the ffmpeg invocation for one stream, following
// the copy/reencode command-line table: global flags, then input, then
// codec, then output.
func BuildCommand(ctx context.Context, ffmpegPath string, spec streamtype.StreamSpec, staged streamtype.StagedMedia) *exec.Cmd {
	args := []string{"-hide_banner", "-loglevel", "error"}

	if spec.Loop {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args, "-re")
	args = append(args, inputArgs(staged)...)
	args = append(args, codecArgs(spec)...)
	args = append(args, "-f", "flv", spec.Destination)

	// #nosec G204 -- ffmpegPath comes from validated launch configuration, not user input
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	return cmd
}

func inputArgs(staged streamtype.StagedMedia) []string {
	if staged.PlaylistPath != "" {
		return []string{"-f", "concat", "-safe", "0", "-i", staged.PlaylistPath}
	}
	path := ""
	if len(staged.LocalFiles) > 0 {
		path = staged.LocalFiles[0]
	}
	return []string{"-i", path}
}

func codecArgs(spec streamtype.StreamSpec) []string {
	switch spec.EncoderMode {
	case streamtype.EncoderModeReencode:
		t := spec.Tuning
		return []string{
			"-c:v", "libx264",
			"-preset", t.Preset,
			"-crf", strconv.Itoa(t.CRF),
			"-maxrate", t.MaxRate,
			"-bufsize", doubleRate(t.MaxRate),
			"-g", strconv.Itoa(t.GOP),
			"-pix_fmt", "yuv420p",
			"-c:a", "aac",
			"-b:a", t.ABR,
			"-ar", "44100",
			"-ac", "2",
		}
	default: // copy
		return []string{
			"-c", "copy",
			"-avoid_negative_ts", "make_zero",
			"-fflags", "+genpts",
		}
	}
}

// doubleRate doubles a ffmpeg rate string like "3000k" or "6M", preserving
// its unit suffix, for the bufsize=2*maxrate rule.
func doubleRate(rate string) string {
	if rate == "" {
		return rate
	}
	suffix := ""
	numeric := rate
	last := rate[len(rate)-1]
	if last < '0' || last > '9' {
		suffix = string(last)
		numeric = rate[:len(rate)-1]
	}
	n, err := strconv.Atoi(numeric)
	if err != nil {
		return rate
	}
	return fmt.Sprintf("%d%s", n*2, suffix)
}

// stringsJoinArgs renders args as one space-separated command line. It does
// not redact anything: the destination's stream key appears as given.
func stringsJoinArgs(args []string) string {
	return strings.Join(args, " ")
}
