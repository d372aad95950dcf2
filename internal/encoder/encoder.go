// SPDX-License-Identifier: MIT

package encoder

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/relaycast/agent/internal/streamtype"
)

// Supervisor owns the set of running ffmpeg children across all streams on
// this host, keyed by stream id. It is the sole component that spawns,
// stops, and classifies the exit of an encoder child (spec.md §4.4); the
// stream manager (internal/streammgr, C5) consumes its events and decides
// whether to request a fast restart.
type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	children map[streamtype.StreamID]*ChildHandle
}

// NewSupervisor creates a process supervisor using cfg for every child it
// spawns.
func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		children: make(map[streamtype.StreamID]*ChildHandle),
	}
}

// Spawn starts the ffmpeg child for one stream. Returns SpawnFailed-class
// errors (wrapped, not a sentinel type — callers test with errors.Is on the
// underlying process error where relevant).
func (s *Supervisor) Spawn(ctx context.Context, spec streamtype.StreamSpec, staged streamtype.StagedMedia, logDst io.Writer) (*ChildHandle, error) {
	s.mu.Lock()
	if _, exists := s.children[spec.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("stream %d: child already running", spec.ID)
	}
	s.mu.Unlock()

	h, err := Spawn(ctx, spec.ID, s.cfg, spec, staged, logDst)
	if err != nil {
		return nil, fmt.Errorf("spawn stream %d: %w", spec.ID, err)
	}

	s.mu.Lock()
	s.children[spec.ID] = h
	s.mu.Unlock()

	return h, nil
}

// Forget removes a stream's entry once its owner has finished draining
// Exited() and is done with the child, allowing a subsequent Spawn for the
// same id. It does not touch the process itself. The caller, not the
// Supervisor, reads Exited() — that channel delivers exactly once, so only
// one reader may ever consume it.
func (s *Supervisor) Forget(id streamtype.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, id)
}

// Stop runs the graceful-then-forced stop sequence for a stream's child.
// intent must already be recorded on the caller's StreamRecord.
func (s *Supervisor) Stop(ctx context.Context, id streamtype.StreamID, intent streamtype.StopIntent) error {
	s.mu.Lock()
	h, ok := s.children[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream %d: no running child", id)
	}
	if err := h.Stop(ctx, intent); err != nil {
		return fmt.Errorf("stop stream %d: %w", id, err)
	}
	return nil
}

// ForceKill sends SIGKILL to a stream's child immediately, bypassing the
// graceful stdin/SIGINT stages (spec.md §4.6 FORCE_KILL_STREAM).
func (s *Supervisor) ForceKill(ctx context.Context, id streamtype.StreamID) error {
	s.mu.Lock()
	h, ok := s.children[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream %d: no running child", id)
	}
	if err := h.ForceKill(ctx); err != nil {
		return fmt.Errorf("force kill stream %d: %w", id, err)
	}
	return nil
}

// Handle returns the running child for a stream, if any.
func (s *Supervisor) Handle(id streamtype.StreamID) (*ChildHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.children[id]
	return h, ok
}

// Count returns the number of currently running children, for the host
// stats snapshot's active-stream count.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}
