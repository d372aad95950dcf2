// SPDX-License-Identifier: MIT

package stage

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycast/agent/internal/streamtype"
)

const (
	// SweepInterval is how often the garbage collector scans the staging
	// root (spec.md §4.3).
	SweepInterval = time.Hour

	// StaleAfter is how long a staging subdirectory may go untouched before
	// it becomes eligible for removal (spec.md §4.3).
	StaleAfter = 24 * time.Hour
)

// LiveStreams reports which stream ids currently have a live entry in the
// registry; the sweeper never deletes a referenced directory regardless of
// its mtime.
type LiveStreams func() map[streamtype.StreamID]struct{}

// Sweeper periodically deletes staging subdirectories that are both stale
// and unreferenced by any live stream.
type Sweeper struct {
	root    string
	live    LiveStreams
	logger  zerolog.Logger
	now     func() time.Time
	onSweep func(removed []string) // test hook
}

// NewSweeper creates a sweeper rooted at root, consulting live for the
// currently active stream set on each pass.
func NewSweeper(root string, live LiveStreams, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		root:   root,
		live:   live,
		logger: logger.With().Str("component", "stage-sweeper").Logger(),
		now:    time.Now,
	}
}

// Run blocks, sweeping every SweepInterval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	removed, err := s.Sweep()
	if err != nil {
		s.logger.Warn().Err(err).Msg("staging sweep failed")
		return
	}
	if len(removed) > 0 {
		s.logger.Info().Strs("removed", removed).Msg("staging sweep removed stale directories")
	}
}

// Sweep runs one pass immediately and returns the directories it removed.
func (s *Sweeper) Sweep() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	live := s.live()
	now := s.now
	var removed []string

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := parseStreamDirID(e.Name())
		if ok {
			if _, isLive := live[id]; isLive {
				continue
			}
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		if now().Sub(info.ModTime()) < StaleAfter {
			continue
		}

		path := filepath.Join(s.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			continue
		}
		removed = append(removed, path)
	}

	if s.onSweep != nil {
		s.onSweep(removed)
	}
	return removed, nil
}

func parseStreamDirID(name string) (streamtype.StreamID, bool) {
	name = strings.TrimSuffix(name, updateDirSuffix)
	id, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return streamtype.StreamID(id), true
}
