// SPDX-License-Identifier: MIT

package stage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycast/agent/internal/streamtype"
)

func TestSweeperRemovesStaleUnreferencedDirs(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"1", "2", "not-a-stream-id"} {
		if err := os.MkdirAll(filepath.Join(root, id), 0o750); err != nil {
			t.Fatalf("mkdir %s: %v", id, err)
		}
	}

	s := NewSweeper(root, func() map[streamtype.StreamID]struct{} {
		return map[streamtype.StreamID]struct{}{2: {}}
	}, zerolog.Nop())

	future := time.Now().Add(StaleAfter + time.Hour)
	s.now = func() time.Time { return future }

	removed, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "1")); !os.IsNotExist(err) {
		t.Error("expected stale unreferenced dir 1 to be removed")
	}
	if _, err := os.Stat(filepath.Join(root, "2")); err != nil {
		t.Error("expected live dir 2 to survive")
	}
	if len(removed) != 2 { // "1" and "not-a-stream-id"
		t.Errorf("removed = %v, want 2 entries", removed)
	}
}

func TestSweeperKeepsFreshDirs(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "5"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	s := NewSweeper(root, func() map[streamtype.StreamID]struct{} { return nil }, zerolog.Nop())

	removed, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("removed = %v, want none (directory is fresh)", removed)
	}
}
