// SPDX-License-Identifier: MIT

package stage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relaycast/agent/internal/streamtype"
)

type noopValidator struct{}

func (noopValidator) Validate(ctx context.Context, path string) error { return nil }

func TestStageSingleSource(t *testing.T) {
	root := t.TempDir()
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: strings.Repeat("a", 2048), length: 2048}}}
	s := NewStager(root, WithHTTPClient(doer), WithProber(noopValidator{}), WithConcurrency(2))

	spec := streamtype.StreamSpec{
		ID:      1,
		Sources: []streamtype.SourceRef{{URL: "https://example.com/clip.mp4"}},
	}

	media, err := s.Stage(context.Background(), spec)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(media.LocalFiles) != 1 {
		t.Fatalf("LocalFiles = %v, want 1 entry", media.LocalFiles)
	}
	if media.PlaylistPath != "" {
		t.Error("single source must not produce a playlist")
	}
}

func TestStageMultiSourceWritesPlaylist(t *testing.T) {
	root := t.TempDir()
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: strings.Repeat("a", 2048), length: 2048}}}
	s := NewStager(root, WithHTTPClient(doer), WithProber(noopValidator{}), WithConcurrency(2))

	spec := streamtype.StreamSpec{
		ID: 2,
		Sources: []streamtype.SourceRef{
			{URL: "https://example.com/a.mp4"},
			{URL: "https://example.com/b.mp4"},
			{URL: "https://example.com/c.mp4"},
		},
	}

	media, err := s.Stage(context.Background(), spec)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(media.LocalFiles) != 3 {
		t.Fatalf("LocalFiles = %v, want 3 entries", media.LocalFiles)
	}
	if media.PlaylistPath == "" {
		t.Fatal("multi-source stage must produce a playlist")
	}
	data, err := os.ReadFile(media.PlaylistPath)
	if err != nil {
		t.Fatalf("read playlist: %v", err)
	}
	if strings.Count(string(data), "file '") != 3 {
		t.Errorf("playlist = %q, want 3 entries", data)
	}
}

func TestStageLocalSourceNotDownloaded(t *testing.T) {
	root := t.TempDir()
	local := filepath.Join(root, "existing.mp4")
	if err := os.WriteFile(local, []byte("existing content"), 0o644); err != nil {
		t.Fatalf("seed local file: %v", err)
	}

	doer := &fakeDoer{responses: []fakeResponse{{status: 500}}}
	s := NewStager(root, WithHTTPClient(doer), WithProber(noopValidator{}))

	spec := streamtype.StreamSpec{
		ID:      3,
		Sources: []streamtype.SourceRef{{Path: local}},
	}

	media, err := s.Stage(context.Background(), spec)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if doer.calls.Load() != 0 {
		t.Error("local source must not trigger a download")
	}
	if media.LocalFiles[0] != local {
		t.Errorf("LocalFiles[0] = %q, want %q", media.LocalFiles[0], local)
	}
}

func TestStageFailsOnDownloadError(t *testing.T) {
	root := t.TempDir()
	doer := &fakeDoer{responses: []fakeResponse{{status: 500}}}
	s := NewStager(root, WithHTTPClient(doer), WithProber(noopValidator{}))

	spec := streamtype.StreamSpec{
		ID:      4,
		Sources: []streamtype.SourceRef{{URL: "https://example.com/a.mp4"}},
	}

	if _, err := s.Stage(context.Background(), spec); err == nil {
		t.Fatal("expected staging error")
	}
}

func TestStageUpdateAndPromote(t *testing.T) {
	root := t.TempDir()
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: strings.Repeat("a", 2048), length: 2048}}}
	s := NewStager(root, WithHTTPClient(doer), WithProber(noopValidator{}))

	spec := streamtype.StreamSpec{ID: 7, Sources: []streamtype.SourceRef{{URL: "https://example.com/a.mp4"}}}

	// Old stream is "live" in its normal dir.
	if _, err := s.Stage(context.Background(), spec); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	media, err := s.StageUpdate(context.Background(), spec)
	if err != nil {
		t.Fatalf("StageUpdate: %v", err)
	}
	if !strings.Contains(media.LocalFiles[0], "7-update") {
		t.Errorf("scratch path = %q, want under 7-update", media.LocalFiles[0])
	}

	if err := s.PromoteUpdate(7); err != nil {
		t.Fatalf("PromoteUpdate: %v", err)
	}
	media = s.RepathAfterPromote(7, media)
	if strings.Contains(media.LocalFiles[0], "7-update") {
		t.Errorf("repathed media still references scratch dir: %q", media.LocalFiles[0])
	}
	if _, err := os.Stat(media.LocalFiles[0]); err != nil {
		t.Errorf("expected promoted file to exist at %q: %v", media.LocalFiles[0], err)
	}
	if _, err := os.Stat(s.ScratchDir(7)); !os.IsNotExist(err) {
		t.Error("expected scratch dir to be gone after promote")
	}
}

func TestStagerRemove(t *testing.T) {
	root := t.TempDir()
	s := NewStager(root)
	dir := s.Dir(9)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := s.Remove(9); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("expected staging dir removed")
	}
}
