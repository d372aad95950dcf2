// SPDX-License-Identifier: MIT

package stage

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relaycast/agent/internal/streamtype"
)

// DefaultConcurrency is the host-wide cap on simultaneous downloads
// (spec.md §4.3), mirroring rclone's and ManuGH-xg2g's use of
// golang.org/x/sync for exactly this kind of bound.
const DefaultConcurrency = 5

// Validator checks a staged file for readability and well-formedness.
type Validator interface {
	Validate(ctx context.Context, path string) error
}

// Stager downloads and validates a stream's source media into a per-stream
// staging directory and assembles a concat playlist when needed.
type Stager struct {
	root   string
	client HTTPDoer
	prober Validator
	sem    *semaphore.Weighted
	clock  func() time.Time
}

// Option configures a Stager.
type Option func(*Stager)

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(c HTTPDoer) Option { return func(s *Stager) { s.client = c } }

// WithProber overrides the media-probe validator.
func WithProber(v Validator) Option { return func(s *Stager) { s.prober = v } }

// WithConcurrency overrides the host-wide download concurrency cap.
func WithConcurrency(n int64) Option { return func(s *Stager) { s.sem = semaphore.NewWeighted(n) } }

// NewStager creates a Stager rooted at root (e.g. "/var/lib/relaycast/staging").
func NewStager(root string, opts ...Option) *Stager {
	s := &Stager{
		root:   root,
		client: &http.Client{Timeout: 5 * time.Minute},
		prober: NewProber(""),
		sem:    semaphore.NewWeighted(DefaultConcurrency),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// updateDirSuffix marks a scratch directory used for staging an
// UPDATE_STREAM's new sources while the old child is still running
// (spec.md §4.5); the GC sweeper recognizes it as belonging to the same
// stream id for liveness purposes.
const updateDirSuffix = "-update"

// Dir returns the staging subdirectory for id.
func (s *Stager) Dir(id streamtype.StreamID) string {
	return filepath.Join(s.root, fmt.Sprintf("%d", id))
}

// ScratchDir returns the scratch staging subdirectory used to stage an
// UPDATE_STREAM's replacement sources without disturbing the live stream.
func (s *Stager) ScratchDir(id streamtype.StreamID) string {
	return filepath.Join(s.root, fmt.Sprintf("%d%s", id, updateDirSuffix))
}

// Stage downloads (or links, for local sources) every source, validates
// each file, and — when there is more than one — writes a concat playlist.
// Returns the resulting StagedMedia, or an error if any source failed to
// stage or validate; no encoder should be started on a partial result.
func (s *Stager) Stage(ctx context.Context, spec streamtype.StreamSpec) (streamtype.StagedMedia, error) {
	return s.stageInto(ctx, s.Dir(spec.ID), spec)
}

// StageUpdate stages spec's sources into the scratch directory for
// UPDATE_STREAM (spec.md §4.5: "new sources are staged to a scratch area
// while the old child is still running"). Call PromoteUpdate once the new
// child has been spawned successfully, or DiscardUpdate to roll back.
func (s *Stager) StageUpdate(ctx context.Context, spec streamtype.StreamSpec) (streamtype.StagedMedia, error) {
	return s.stageInto(ctx, s.ScratchDir(spec.ID), spec)
}

// PromoteUpdate replaces id's live staging directory with its scratch
// directory, after the new child has been spawned on the scratch media.
func (s *Stager) PromoteUpdate(id streamtype.StreamID) error {
	live := s.Dir(id)
	scratch := s.ScratchDir(id)
	if err := os.RemoveAll(live); err != nil {
		return fmt.Errorf("remove old staging dir for stream %d: %w", id, err)
	}
	if err := os.Rename(scratch, live); err != nil {
		return fmt.Errorf("promote scratch staging dir for stream %d: %w", id, err)
	}
	return nil
}

// DiscardUpdate removes a stream's scratch staging directory after a failed
// or abandoned UPDATE_STREAM, leaving the live directory untouched.
func (s *Stager) DiscardUpdate(id streamtype.StreamID) error {
	return os.RemoveAll(s.ScratchDir(id))
}

// RepathAfterPromote rewrites media's paths from the scratch directory to
// the live directory for id; call it on the StagedMedia returned from
// StageUpdate immediately after a successful PromoteUpdate, since the
// directory the files live in has moved but their names have not.
func (s *Stager) RepathAfterPromote(id streamtype.StreamID, media streamtype.StagedMedia) streamtype.StagedMedia {
	scratch := s.ScratchDir(id)
	live := s.Dir(id)

	repath := func(p string) string {
		if p == "" {
			return p
		}
		if rel, err := filepath.Rel(scratch, p); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.Join(live, rel)
		}
		return p
	}

	for i, p := range media.LocalFiles {
		media.LocalFiles[i] = repath(p)
	}
	media.PlaylistPath = repath(media.PlaylistPath)
	return media
}

func (s *Stager) stageInto(ctx context.Context, dir string, spec streamtype.StreamSpec) (streamtype.StagedMedia, error) {
	if len(spec.Sources) == 0 {
		return streamtype.StagedMedia{}, fmt.Errorf("stream %d: no sources to stage", spec.ID)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return streamtype.StagedMedia{}, fmt.Errorf("stream %d: mkdir staging dir: %w", spec.ID, err)
	}

	now := s.clock()
	paths := make([]string, len(spec.Sources))
	errCh := make(chan error, len(spec.Sources))

	for i, src := range spec.Sources {
		i, src := i, src
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return streamtype.StagedMedia{}, fmt.Errorf("stream %d: acquire download slot: %w", spec.ID, err)
		}
		go func() {
			defer s.sem.Release(1)
			path, err := s.stageOne(ctx, dir, src, i)
			if err != nil {
				errCh <- fmt.Errorf("source %d: %w", i, err)
				return
			}
			paths[i] = path
			errCh <- nil
		}()
	}

	var firstErr error
	for range spec.Sources {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return streamtype.StagedMedia{}, fmt.Errorf("stream %d: staging failed: %w", spec.ID, firstErr)
	}

	for _, p := range paths {
		if err := s.prober.Validate(ctx, p); err != nil {
			return streamtype.StagedMedia{}, fmt.Errorf("stream %d: %w", spec.ID, err)
		}
	}

	media := streamtype.StagedMedia{
		LocalFiles:  paths,
		CreatedAt:   now,
		LastTouched: now,
	}

	if len(paths) > 1 {
		playlistPath, err := WritePlaylist(dir, paths, now)
		if err != nil {
			return streamtype.StagedMedia{}, fmt.Errorf("stream %d: %w", spec.ID, err)
		}
		media.PlaylistPath = playlistPath
	}

	return media, nil
}

func (s *Stager) stageOne(ctx context.Context, dir string, src streamtype.SourceRef, index int) (string, error) {
	if !src.IsRemote() {
		if _, err := os.Stat(src.Path); err != nil {
			return "", fmt.Errorf("local source %s: %w", src.Path, err)
		}
		return src.Path, nil
	}

	filename := sourceFilename(src.URL, index)
	destPath := filepath.Join(dir, filename)
	if err := downloadOne(ctx, s.client, src.URL, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

// Touch updates the staging directory's mtime so the GC sweeper treats it
// as recently used, without re-downloading anything.
func (s *Stager) Touch(id streamtype.StreamID) error {
	now := s.clock()
	return os.Chtimes(s.Dir(id), now, now)
}

// Remove deletes a stream's staging directory entirely (used on STOP unless
// keep_files_after_stop, and on CLEANUP_FILES).
func (s *Stager) Remove(id streamtype.StreamID) error {
	return os.RemoveAll(s.Dir(id))
}
