// SPDX-License-Identifier: MIT

package streammgr

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycast/agent/internal/encoder"
	"github.com/relaycast/agent/internal/stage"
	"github.com/relaycast/agent/internal/streamtype"
)

type noopValidator struct{}

func (noopValidator) Validate(ctx context.Context, path string) error { return nil }

type fakeReporter struct {
	mu       sync.Mutex
	statuses []string
	messages []string
	requests []RestartRequest
}

func (f *fakeReporter) Status(id streamtype.StreamID, status string, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	f.messages = append(f.messages, message)
}

func (f *fakeReporter) RestartRequest(req RestartRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

func (f *fakeReporter) lastStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

func (f *fakeReporter) has(status string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (f *fakeReporter) count(status string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.statuses {
		if s == status {
			n++
		}
	}
	return n
}

// writeFakeFFmpeg writes a script standing in for ffmpeg: it blocks until
// either a "q" line on stdin or a signal, and exits with exitCode otherwise;
// stderrLines are emitted up front for ErrorKind classification tests.
func writeFakeFFmpeg(t *testing.T, exitCode int, stderrLines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeffmpeg.sh")

	script := "#!/bin/sh\ntrap 'exit 0' INT TERM\n"
	for _, l := range stderrLines {
		script += "echo '" + l + "' >&2\n"
	}
	script += "while read -r line; do\n  if [ \"$line\" = \"q\" ]; then exit 0; fi\ndone\nexit " + itoa(exitCode) + "\n"

	if err := os.WriteFile(path, []byte(script), 0o755); err != nil { // #nosec G306 -- test fixture
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}

// writeCrashingFFmpeg writes a script that emits stderrLines and then exits
// immediately with exitCode, without waiting on stdin or a signal —
// standing in for ffmpeg dying on its own (e.g. a refused RTMP connection)
// rather than being asked to stop.
func writeCrashingFFmpeg(t *testing.T, exitCode int, stderrLines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "crashffmpeg.sh")

	script := "#!/bin/sh\n"
	for _, l := range stderrLines {
		script += "echo '" + l + "' >&2\n"
	}
	script += "exit " + itoa(exitCode) + "\n"

	if err := os.WriteFile(path, []byte(script), 0o755); err != nil { // #nosec G306 -- test fixture
		t.Fatalf("write crashing ffmpeg: %v", err)
	}
	return path
}

type fakeStateStore struct {
	mu            sync.Mutex
	touched       []streamtype.StreamID
	restartCounts []int
}

func (f *fakeStateStore) Touch(id streamtype.StreamID, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeStateStore) RecordRestart(id streamtype.StreamID, restartCount, totalRestarts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartCounts = append(f.restartCounts, restartCount)
	return nil
}

func (f *fakeStateStore) touchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.touched)
}

func (f *fakeStateStore) restartRecordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restartCounts)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func newTestManager(t *testing.T, ffmpegPath string, maxFastRestarts int) (*Manager, *fakeReporter) {
	t.Helper()
	root := t.TempDir()
	stager := stage.NewStager(root, stage.WithProber(noopValidator{}))
	sup := encoder.NewSupervisor(encoder.DefaultConfig(ffmpegPath))
	reporter := &fakeReporter{}

	cfg := DefaultConfig(ffmpegPath)
	cfg.FastRestartDelay = 50 * time.Millisecond
	cfg.SuccessResetWindow = 200 * time.Millisecond
	cfg.MaxFastRestarts = maxFastRestarts

	m := NewManager(1, stager, sup, reporter, cfg, os.Stderr, zerolog.Nop())
	return m, reporter
}

func localSourceSpec(t *testing.T, id streamtype.StreamID) streamtype.StreamSpec {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "input.mp4")
	if err := os.WriteFile(path, []byte("fake media content padding to clear the minimum size check"), 0o644); err != nil {
		t.Fatalf("write local source: %v", err)
	}
	return streamtype.StreamSpec{
		ID:          id,
		Sources:     []streamtype.SourceRef{{Path: path}},
		Destination: "rtmp://example.com/live/key",
		EncoderMode: streamtype.EncoderModeCopy,
	}
}

func TestStartAsyncReachesStreaming(t *testing.T) {
	ffmpeg := writeFakeFFmpeg(t, 0)
	m, reporter := newTestManager(t, ffmpeg, 5)
	spec := localSourceSpec(t, 1)

	m.StartAsync(context.Background(), spec)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == streamtype.StateStreaming {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.State() != streamtype.StateStreaming {
		t.Fatalf("state = %v, want STREAMING", m.State())
	}
	if !reporter.has(string(streamtype.StateDownloading)) || !reporter.has(string(streamtype.StateStarting)) {
		t.Errorf("expected DOWNLOADING and STARTING reports, got %v", reporter.statuses)
	}

	if err := m.Stop(context.Background(), streamtype.StopUser); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if reporter.lastStatus() != StatusStopped {
		t.Errorf("last status = %q, want STOPPED", reporter.lastStatus())
	}
}

func TestFastRestartOnTransientCrash(t *testing.T) {
	ffmpeg := writeCrashingFFmpeg(t, 1, "Connection refused", "Connection refused", "Connection refused")
	m, reporter := newTestManager(t, ffmpeg, 5)
	spec := localSourceSpec(t, 2)

	m.StartAsync(context.Background(), spec)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if reporter.count(string(streamtype.StateRestarting)) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if reporter.count(string(streamtype.StateRestarting)) < 1 {
		t.Fatalf("expected at least one RESTARTING report, got %v", reporter.statuses)
	}
	if m.RestartCount() < 1 {
		t.Errorf("RestartCount = %d, want >= 1", m.RestartCount())
	}

	_ = m.Stop(context.Background(), streamtype.StopUser)
}

func TestRestartBudgetExhaustionEscalatesToError(t *testing.T) {
	ffmpeg := writeCrashingFFmpeg(t, 1, "Connection refused", "Connection refused", "Connection refused")
	m, reporter := newTestManager(t, ffmpeg, 2)
	spec := localSourceSpec(t, 3)

	m.StartAsync(context.Background(), spec)

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == streamtype.StateError {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if m.State() != streamtype.StateError {
		t.Fatalf("state = %v, want ERROR after budget exhaustion", m.State())
	}

	reporter.mu.Lock()
	n := len(reporter.requests)
	reporter.mu.Unlock()
	if n != 1 {
		t.Fatalf("RestartRequest count = %d, want 1", n)
	}
}

func TestUpdateSwapsSourcesWithoutInterruption(t *testing.T) {
	ffmpeg := writeFakeFFmpeg(t, 0)
	m, reporter := newTestManager(t, ffmpeg, 5)
	spec := localSourceSpec(t, 5)

	m.StartAsync(context.Background(), spec)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && m.State() != streamtype.StateStreaming {
		time.Sleep(10 * time.Millisecond)
	}
	if m.State() != streamtype.StateStreaming {
		t.Fatalf("precondition: state = %v, want STREAMING", m.State())
	}
	firstChild := m.child

	newSpec := localSourceSpec(t, 5)
	if err := m.Update(context.Background(), newSpec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if m.State() != streamtype.StateStreaming {
		t.Fatalf("state after update = %v, want STREAMING", m.State())
	}
	if m.child == firstChild {
		t.Error("expected a new child after update")
	}
	if !reporter.has(string(streamtype.StateUpdating)) {
		t.Errorf("expected UPDATING report, got %v", reporter.statuses)
	}
	if c := reporter.count(string(streamtype.StateStreaming)); c < 2 {
		t.Errorf("expected at least 2 STREAMING reports (initial + post-update), got %d", c)
	}

	_ = m.Stop(context.Background(), streamtype.StopUser)
}

func TestUpdateRollsBackOnStagingFailure(t *testing.T) {
	ffmpeg := writeFakeFFmpeg(t, 0)
	m, reporter := newTestManager(t, ffmpeg, 5)
	spec := localSourceSpec(t, 6)

	m.StartAsync(context.Background(), spec)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && m.State() != streamtype.StateStreaming {
		time.Sleep(10 * time.Millisecond)
	}

	firstChild := m.child
	badSpec := streamtype.StreamSpec{
		ID:          6,
		Sources:     []streamtype.SourceRef{{Path: filepath.Join(t.TempDir(), "does-not-exist.mp4")}},
		Destination: spec.Destination,
	}

	if err := m.Update(context.Background(), badSpec); err == nil {
		t.Fatal("expected Update to fail on a missing source")
	}

	if m.State() != streamtype.StateStreaming {
		t.Errorf("state after failed update = %v, want STREAMING (rollback)", m.State())
	}
	if m.child != firstChild {
		t.Error("expected the original child to still be running after a failed update")
	}
	if !reporter.has(string(streamtype.StateError)) {
		t.Errorf("expected an ERROR report for the failed update, got %v", reporter.statuses)
	}

	_ = m.Stop(context.Background(), streamtype.StopUser)
}

func TestStartAsyncPersistsTouchWhenStoreConfigured(t *testing.T) {
	ffmpeg := writeFakeFFmpeg(t, 0)
	root := t.TempDir()
	stager := stage.NewStager(root, stage.WithProber(noopValidator{}))
	sup := encoder.NewSupervisor(encoder.DefaultConfig(ffmpeg))
	reporter := &fakeReporter{}
	store := &fakeStateStore{}

	cfg := DefaultConfig(ffmpeg)
	cfg.FastRestartDelay = 50 * time.Millisecond
	cfg.Store = store

	m := NewManager(8, stager, sup, reporter, cfg, os.Stderr, zerolog.Nop())
	spec := localSourceSpec(t, 8)
	m.StartAsync(context.Background(), spec)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && m.State() != streamtype.StateStreaming {
		time.Sleep(10 * time.Millisecond)
	}
	if m.State() != streamtype.StateStreaming {
		t.Fatalf("precondition: state = %v, want STREAMING", m.State())
	}
	if store.touchCount() < 1 {
		t.Errorf("expected at least one Touch call once STREAMING, got %d", store.touchCount())
	}

	_ = m.Stop(context.Background(), streamtype.StopUser)
}

func TestFastRestartPersistsRestartCounters(t *testing.T) {
	ffmpeg := writeCrashingFFmpeg(t, 1, "Connection refused", "Connection refused", "Connection refused")
	root := t.TempDir()
	stager := stage.NewStager(root, stage.WithProber(noopValidator{}))
	sup := encoder.NewSupervisor(encoder.DefaultConfig(ffmpeg))
	reporter := &fakeReporter{}
	store := &fakeStateStore{}

	cfg := DefaultConfig(ffmpeg)
	cfg.FastRestartDelay = 50 * time.Millisecond
	cfg.MaxFastRestarts = 5
	cfg.Store = store

	m := NewManager(9, stager, sup, reporter, cfg, os.Stderr, zerolog.Nop())
	spec := localSourceSpec(t, 9)
	m.StartAsync(context.Background(), spec)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && store.restartRecordCount() < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	if store.restartRecordCount() < 1 {
		t.Fatalf("expected at least one RecordRestart call, got %d", store.restartRecordCount())
	}

	_ = m.Stop(context.Background(), streamtype.StopUser)
}

func TestStopDuringStreamingRunsGracefulShutdown(t *testing.T) {
	ffmpeg := writeFakeFFmpeg(t, 0)
	m, reporter := newTestManager(t, ffmpeg, 5)
	spec := localSourceSpec(t, 4)

	m.StartAsync(context.Background(), spec)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && m.State() != streamtype.StateStreaming {
		time.Sleep(10 * time.Millisecond)
	}

	if err := m.Stop(context.Background(), streamtype.StopUser); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-m.Stopped():
	default:
		t.Error("expected Stopped() channel to be closed after Stop returns")
	}
	if !reporter.has(StatusStopped) {
		t.Errorf("expected STOPPED report, got %v", reporter.statuses)
	}
}
