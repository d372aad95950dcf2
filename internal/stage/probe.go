// SPDX-License-Identifier: MIT

package stage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// ProbeTimeout bounds how long the media-probe subprocess may run before a
// staged file is declared invalid (spec.md §4.3).
const ProbeTimeout = 5 * time.Second

// Prober validates that a staged file is readable, non-empty, and
// probe-parseable.
type Prober struct {
	// ProbePath is the media-probe executable, normally "ffprobe".
	ProbePath string
}

// NewProber returns a Prober using probePath, defaulting to "ffprobe" on the
// PATH when probePath is empty.
func NewProber(probePath string) *Prober {
	if probePath == "" {
		probePath = "ffprobe"
	}
	return &Prober{ProbePath: probePath}
}

// Validate checks path against the staging invariants: readable, >= 1 KiB,
// and successfully parsed by the probe tool within ProbeTimeout (spec.md
// §4.3), mirroring the teacher's exec.CommandContext pattern for spawning
// short-lived media tooling.
func (p *Prober) Validate(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() < minStagedSize {
		return fmt.Errorf("staged file %s is too small (%d bytes)", path, info.Size())
	}

	f, err := os.Open(path) // #nosec G304 -- path is a staged file under the staging root
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	_ = f.Close()

	pctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(pctx, p.ProbePath, //nolint:gosec // ProbePath is operator-configured, not user input
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("probe %s failed: %w (%s)", path, err, string(out))
	}
	return nil
}
