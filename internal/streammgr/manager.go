// SPDX-License-Identifier: MIT

// Package streammgr owns the per-stream state machine: it drives one stream
// through DOWNLOADING → STARTING → STREAMING ⇄ {RESTARTING, UPDATING} →
// STOPPING, delegating file preparation to internal/stage and process
// ownership to internal/encoder, and applying the fast-restart budget policy
// on top of internal/encoder's exit classification.
package streammgr

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycast/agent/internal/encoder"
	"github.com/relaycast/agent/internal/stage"
	"github.com/relaycast/agent/internal/streamtype"
	"github.com/relaycast/agent/internal/util"
)

// Config holds the per-stream restart policy, pulled from the agent's
// runtime-tunable settings (spec.md §4.1).
type Config struct {
	FastRestartDelay   time.Duration
	SuccessResetWindow time.Duration
	MaxFastRestarts    int
	Encoder            encoder.Config

	// Store persists staging touches and restart counters across an agent
	// restart (internal/statedb). Nil disables persistence; the in-memory
	// counters still work for the lifetime of this process.
	Store StateStore
}

// StateStore is the subset of internal/statedb.DB a Manager needs, kept
// narrow to avoid a direct dependency from streammgr on the statedb package.
type StateStore interface {
	Touch(id streamtype.StreamID, t time.Time) error
	RecordRestart(id streamtype.StreamID, restartCount, totalRestarts int) error
}

// DefaultConfig returns the documented defaults (spec.md §4.4, §4.5).
func DefaultConfig(ffmpegPath string) Config {
	return Config{
		FastRestartDelay:   2 * time.Second,
		SuccessResetWindow: 300 * time.Second,
		MaxFastRestarts:    5,
		Encoder:            encoder.DefaultConfig(ffmpegPath),
	}
}

// Reporter is the subset of the reporting pipeline (C7) a Manager needs;
// kept narrow to avoid an import cycle between streammgr and report.
type Reporter interface {
	Status(id streamtype.StreamID, status string, message string)
	RestartRequest(req RestartRequest)
}

// RestartRequest asks the control plane to decide whether a stream should
// be restarted, emitted when in-band recovery is exhausted or impossible
// (spec.md §4.7).
type RestartRequest struct {
	StreamID   streamtype.StreamID
	Reason     string
	CrashCount int
	LastError  string
	ErrorType  streamtype.ErrorKind
	Timestamp  time.Time
}

// Status values reported beyond the StreamState enum (spec.md §4.7).
const (
	StatusStopped = "STOPPED"
)

// Manager drives one stream's lifecycle. Callers (internal/registry) create
// one Manager per active stream id and remove it from their index once
// Stopped() is closed.
type Manager struct {
	id         streamtype.StreamID
	stager     *stage.Stager
	supervisor *encoder.Supervisor
	reporter   Reporter
	cfg        Config
	logDst     io.Writer
	logger     zerolog.Logger

	restartMu sync.Mutex // serializes start/stop/update/fast-restart

	mu            sync.RWMutex
	state         streamtype.StreamState
	spec          streamtype.StreamSpec
	staged        streamtype.StagedMedia
	restartCount  int
	totalRestarts int
	successAt     time.Time
	stopIntent    streamtype.StopIntent
	child         *encoder.ChildHandle
	stagingCancel context.CancelFunc
	updateExited  chan streamtype.ClassifiedError

	// spawnCtx is the stream's long-lived lifetime context, captured once in
	// StartAsync. Update() runs on the caller's per-command context, which is
	// not appropriate to spawn the replacement child under — cancelling it
	// once the command handler returns must not kill a freshly started
	// encoder — so the new child is spawned under this stored context
	// instead, same as the original.
	spawnCtx context.Context

	stopReported atomic.Bool
	stopped      chan struct{}
}

// NewManager creates a Manager for id. Call StartAsync to begin the
// DOWNLOADING → STREAMING pipeline.
func NewManager(id streamtype.StreamID, stager *stage.Stager, supervisor *encoder.Supervisor, reporter Reporter, cfg Config, logDst io.Writer, logger zerolog.Logger) *Manager {
	return &Manager{
		id:         id,
		stager:     stager,
		supervisor: supervisor,
		reporter:   reporter,
		cfg:        cfg,
		logDst:     logDst,
		logger:     logger.With().Int64("stream_id", int64(id)).Logger(),
		stopIntent: streamtype.StopNone,
		stopped:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() streamtype.StreamState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Spec returns the currently active spec.
func (m *Manager) Spec() streamtype.StreamSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spec
}

// SuccessAt returns the timestamp of the stream's last successful spawn,
// used by the health endpoint to report uptime.
func (m *Manager) SuccessAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.successAt
}

// RestartCount returns the in-window auto-restart count.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartCount
}

// TotalRestarts returns the lifetime auto-restart count.
func (m *Manager) TotalRestarts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRestarts
}

// Stopped is closed once the stream has fully wound down (child reaped,
// staging handled, final report emitted) and may be removed from the
// registry.
func (m *Manager) Stopped() <-chan struct{} { return m.stopped }

func (m *Manager) setState(s streamtype.StreamState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// StartAsync validates nothing beyond what the dispatcher already checked
// and begins staging in the background; it returns as soon as the record
// exists in DOWNLOADING (spec.md §4.5: "Starting a stream is asynchronous").
func (m *Manager) StartAsync(ctx context.Context, spec streamtype.StreamSpec) {
	stagingCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.spec = spec
	m.state = streamtype.StateDownloading
	m.stagingCancel = cancel
	m.spawnCtx = ctx
	m.mu.Unlock()

	m.reporter.Status(m.id, string(streamtype.StateDownloading), "")
	util.SafeGo(fmt.Sprintf("streammgr-run-%d", m.id), m.logDst, func() {
		m.run(ctx, stagingCtx, spec)
	}, func(r interface{}, _ []byte) {
		m.logger.Error().Interface("panic", r).Msg("recovered panic in stream run loop")
		m.failAndStop(fmt.Sprintf("internal error: %v", r))
	})
}

// run executes one full DOWNLOADING → STARTING → STREAMING attempt, then
// blocks watching the child until it exits. spawnCtx bounds the child
// process's lifetime (cancelling it kills the process — reserved for
// process-group-wide shutdown, never used as a stop mechanism); stagingCtx
// bounds only the file-preparation step and is what Stop cancels to abort
// an in-flight download without touching a process that was never spawned.
func (m *Manager) run(spawnCtx, stagingCtx context.Context, spec streamtype.StreamSpec) {
	staged, err := m.stager.Stage(stagingCtx, spec)
	if err != nil {
		m.failAndStop(fmt.Sprintf("staging failed: %v", err))
		return
	}

	m.setState(streamtype.StateStarting)
	m.reporter.Status(m.id, string(streamtype.StateStarting), "")

	child, err := m.supervisor.Spawn(spawnCtx, spec, staged, m.logDst)
	if err != nil {
		m.failAndStop(fmt.Sprintf("spawn failed: %v", err))
		return
	}

	m.mu.Lock()
	m.staged = staged
	m.child = child
	m.successAt = time.Now()
	m.mu.Unlock()

	if m.cfg.Store != nil {
		if err := m.cfg.Store.Touch(m.id, m.successAt); err != nil {
			m.logger.Warn().Err(err).Msg("failed to persist staging touch")
		}
	}

	m.setState(streamtype.StateStreaming)
	m.reporter.Status(m.id, string(streamtype.StateStreaming), "")

	m.watch(spawnCtx, child)
}

// watch is the sole reader of child.Exited(); it decides what happens next
// and, for a fast-restart, loops by respawning on the already-staged media.
func (m *Manager) watch(spawnCtx context.Context, child *encoder.ChildHandle) {
	ev := <-child.Exited()
	m.supervisor.Forget(m.id)

	m.mu.Lock()
	if m.child == child {
		m.child = nil
	}
	intent := m.stopIntent
	spec := m.spec
	staged := m.staged
	updateExited := m.updateExited
	m.mu.Unlock()

	switch ev.Classified.Exit {
	case streamtype.ExitUserStop, streamtype.ExitSystemStop, streamtype.ExitFatalStop:
		m.finishStop(ev.Classified)
	case streamtype.ExitUpdating:
		// Update() is waiting on this exact transition and drives the new
		// child's spawn itself; hand the classified exit back to it instead
		// of treating it as a terminal state.
		if updateExited != nil {
			updateExited <- ev.Classified
		}
	case streamtype.ExitNormal:
		m.finishStop(ev.Classified)
	case streamtype.ExitExternalKill, streamtype.ExitCrash:
		m.handleCrash(spawnCtx, ev.Classified, intent, spec, staged)
	}
}

// handleCrash applies the crash-handling policy (spec.md §4.5).
func (m *Manager) handleCrash(spawnCtx context.Context, classified streamtype.ClassifiedError, intent streamtype.StopIntent, spec streamtype.StreamSpec, staged streamtype.StagedMedia) {
	if intent != streamtype.StopNone {
		// A stop was already requested for this crash's child; finish as a
		// stop rather than attempting to restart it.
		m.finishStop(classified)
		return
	}

	if classified.Kind.Fatal() {
		m.escalate(classified, "fatal error kind")
		return
	}

	m.mu.Lock()
	withinWindow := time.Since(m.successAt) < m.cfg.SuccessResetWindow
	if !withinWindow {
		m.restartCount = 0
	}
	budgetRemains := m.restartCount < m.cfg.MaxFastRestarts
	if budgetRemains {
		m.restartCount++
		m.totalRestarts++
	}
	crashCount := m.restartCount
	totalRestarts := m.totalRestarts
	m.mu.Unlock()

	if m.cfg.Store != nil {
		if err := m.cfg.Store.RecordRestart(m.id, crashCount, totalRestarts); err != nil {
			m.logger.Warn().Err(err).Msg("failed to persist restart counters")
		}
	}

	if !budgetRemains {
		m.escalate(classified, fmt.Sprintf("restart budget exhausted (%d)", crashCount))
		return
	}

	m.setState(streamtype.StateRestarting)
	m.reporter.Status(m.id, string(streamtype.StateRestarting),
		fmt.Sprintf("[%s] %s", classified.Kind, classified.Message))

	time.Sleep(m.cfg.FastRestartDelay)

	// User intent preempts an in-flight fast-restart: if a STOP/UPDATE
	// moved the state while we slept, abort instead of respawning.
	if m.State() != streamtype.StateRestarting {
		return
	}

	m.restartMu.Lock()
	defer m.restartMu.Unlock()
	if m.State() != streamtype.StateRestarting {
		return
	}

	m.setState(streamtype.StateStarting)
	m.respawn(spawnCtx, spec, staged)
}

// respawn re-enters STARTING on already-staged media, without repeating
// file preparation — used by the fast-restart path, which restarts the same
// spec's encoder after a transient crash rather than re-downloading sources.
func (m *Manager) respawn(spawnCtx context.Context, spec streamtype.StreamSpec, staged streamtype.StagedMedia) {
	child, err := m.supervisor.Spawn(spawnCtx, spec, staged, m.logDst)
	if err != nil {
		m.failAndStop(fmt.Sprintf("respawn failed: %v", err))
		return
	}

	m.mu.Lock()
	m.child = child
	m.successAt = time.Now()
	m.mu.Unlock()

	m.setState(streamtype.StateStreaming)
	m.reporter.Status(m.id, string(streamtype.StateStreaming), "")

	m.watch(spawnCtx, child)
}

// Update stages newSpec's sources to a scratch area while the current child
// keeps running, and only once that succeeds does it gracefully stop the old
// child and spawn a new one on the validated media (spec.md §4.5: updating a
// running stream must not interrupt file preparation). On staging failure the
// update is rolled back with no effect on the running stream.
func (m *Manager) Update(ctx context.Context, newSpec streamtype.StreamSpec) error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	m.mu.RLock()
	child := m.child
	spawnCtx := m.spawnCtx
	m.mu.RUnlock()
	if child == nil {
		return fmt.Errorf("stream %d: update requires a running stream", m.id)
	}

	m.setState(streamtype.StateUpdating)
	m.reporter.Status(m.id, string(streamtype.StateUpdating), "")

	staged, err := m.stager.StageUpdate(ctx, newSpec)
	if err != nil {
		_ = m.stager.DiscardUpdate(m.id)
		m.reporter.Status(m.id, string(streamtype.StateError), fmt.Sprintf("[update] %v", err))
		m.setState(streamtype.StateStreaming)
		return fmt.Errorf("stream %d: stage update: %w", m.id, err)
	}

	exited := make(chan streamtype.ClassifiedError, 1)
	m.mu.Lock()
	m.updateExited = exited
	m.mu.Unlock()

	if err := m.supervisor.Stop(ctx, m.id, streamtype.StopUpdate); err != nil {
		m.mu.Lock()
		m.updateExited = nil
		m.mu.Unlock()
		_ = m.stager.DiscardUpdate(m.id)
		m.reporter.Status(m.id, string(streamtype.StateError), fmt.Sprintf("[update] stop old child: %v", err))
		m.setState(streamtype.StateStreaming)
		return fmt.Errorf("stream %d: stop old child for update: %w", m.id, err)
	}

	select {
	case <-exited:
	case <-ctx.Done():
		m.mu.Lock()
		m.updateExited = nil
		m.mu.Unlock()
		return ctx.Err()
	}
	m.mu.Lock()
	m.updateExited = nil
	m.mu.Unlock()

	if err := m.stager.PromoteUpdate(m.id); err != nil {
		m.escalate(streamtype.ClassifiedError{Kind: streamtype.ErrUnknown, Message: err.Error()},
			fmt.Sprintf("promote update failed: %v", err))
		return fmt.Errorf("stream %d: promote update: %w", m.id, err)
	}
	staged = m.stager.RepathAfterPromote(m.id, staged)

	newChild, err := m.supervisor.Spawn(spawnCtx, newSpec, staged, m.logDst)
	if err != nil {
		m.failAndStop(fmt.Sprintf("respawn after update failed: %v", err))
		return fmt.Errorf("stream %d: spawn updated child: %w", m.id, err)
	}

	m.mu.Lock()
	m.spec = newSpec
	m.staged = staged
	m.child = newChild
	m.successAt = time.Now()
	m.mu.Unlock()

	m.setState(streamtype.StateStreaming)
	m.reporter.Status(m.id, string(streamtype.StateStreaming), "")

	util.SafeGo(fmt.Sprintf("streammgr-watch-%d", m.id), m.logDst, func() {
		m.watch(spawnCtx, newChild)
	}, func(r interface{}, _ []byte) {
		m.logger.Error().Interface("panic", r).Msg("recovered panic watching updated child")
		m.failAndStop(fmt.Sprintf("internal error: %v", r))
	})
	return nil
}

func (m *Manager) escalate(classified streamtype.ClassifiedError, reason string) {
	m.mu.Lock()
	crashCount := m.restartCount
	m.mu.Unlock()

	m.reporter.RestartRequest(RestartRequest{
		StreamID:   m.id,
		Reason:     reason,
		CrashCount: crashCount,
		LastError:  classified.Message,
		ErrorType:  classified.Kind,
		Timestamp:  time.Now(),
	})
	m.setState(streamtype.StateError)
	m.reporter.Status(m.id, string(streamtype.StateError),
		fmt.Sprintf("[%s] %s", classified.Kind, classified.Message))
}

func (m *Manager) failAndStop(message string) {
	m.setState(streamtype.StateError)
	m.reporter.Status(m.id, string(streamtype.StateError), message)
	m.finalizeStaging()
	m.closeStopped()
}

// finishStop performs the shared STOPPING → (absent) cleanup for a user
// stop, system stop, fatal stop, or natural exit.
func (m *Manager) finishStop(classified streamtype.ClassifiedError) {
	m.setState(streamtype.StateStopping)
	m.finalizeStaging()

	if m.stopReported.CompareAndSwap(false, true) {
		m.reporter.Status(m.id, StatusStopped, classified.Message)
	}
	m.closeStopped()
}

func (m *Manager) finalizeStaging() {
	m.mu.RLock()
	keep := m.spec.KeepFilesAfterStop
	m.mu.RUnlock()
	if keep {
		return
	}
	if err := m.stager.Remove(m.id); err != nil {
		m.logger.Warn().Err(err).Msg("failed to remove staging directory on stop")
	}
}

func (m *Manager) closeStopped() {
	select {
	case <-m.stopped:
	default:
		close(m.stopped)
	}
}

// ForceKill immediately SIGKILLs the running child, skipping the graceful
// stdin/SIGINT stages Stop runs through (spec.md §4.6 FORCE_KILL_STREAM).
func (m *Manager) ForceKill(ctx context.Context) error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	m.mu.Lock()
	m.stopIntent = streamtype.StopFatal
	child := m.child
	state := m.state
	cancelStaging := m.stagingCancel
	m.mu.Unlock()

	if child == nil {
		m.setState(streamtype.StateStopping)
		if state == streamtype.StateDownloading && cancelStaging != nil {
			cancelStaging()
		}
		m.finishStop(streamtype.ClassifiedError{Exit: streamtype.ExitFatalStop, Message: "force killed before child spawned"})
		return nil
	}

	if err := m.supervisor.ForceKill(ctx, m.id); err != nil {
		return fmt.Errorf("force kill stream %d: %w", m.id, err)
	}

	select {
	case <-m.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop runs the graceful→force stop sequence against any running child and
// blocks until the stream has fully wound down.
func (m *Manager) Stop(ctx context.Context, intent streamtype.StopIntent) error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	m.mu.Lock()
	m.stopIntent = intent
	child := m.child
	state := m.state
	cancelStaging := m.stagingCancel
	m.mu.Unlock()

	if child == nil {
		// No running child: either mid-staging (DOWNLOADING/STARTING) or
		// mid-restart sleep (RESTARTING). Mark STOPPING so any in-flight
		// fast-restart aborts on its next checkpoint, then finish directly.
		m.setState(streamtype.StateStopping)
		if state == streamtype.StateDownloading && cancelStaging != nil {
			// Abort the in-flight stager.Stage call rather than letting it
			// run to completion (or timeout) before we notice the stop.
			cancelStaging()
		}
		if state == streamtype.StateDownloading || state == streamtype.StateStarting {
			m.finishStop(streamtype.ClassifiedError{Exit: streamtype.ExitUserStop, Message: "stopped before child spawned"})
		} else {
			m.finalizeStaging()
			if m.stopReported.CompareAndSwap(false, true) {
				m.reporter.Status(m.id, StatusStopped, "")
			}
			m.closeStopped()
		}
		return nil
	}

	if err := m.supervisor.Stop(ctx, m.id, intent); err != nil {
		return fmt.Errorf("stop stream %d: %w", m.id, err)
	}

	select {
	case <-m.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
