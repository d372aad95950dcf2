// SPDX-License-Identifier: MIT

package encoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/relaycast/agent/internal/streamtype"
)

// Config bounds the timeouts used in the stop sequence and the stderr
// classification ring buffer size; it is derived from the agent's runtime
// tunables (internal/config.TunablesConfig).
type Config struct {
	FFmpegPath              string
	GracefulShutdownTimeout time.Duration
	ForceKillTimeout        time.Duration
	StdinQuitTimeout        time.Duration // fixed at 3s per spec, overridable for tests
	RingBufferLines         int
}

// DefaultConfig returns the documented timeouts.
func DefaultConfig(ffmpegPath string) Config {
	return Config{
		FFmpegPath:              ffmpegPath,
		GracefulShutdownTimeout: 15 * time.Second,
		ForceKillTimeout:        10 * time.Second,
		StdinQuitTimeout:        3 * time.Second,
		RingBufferLines:         1000,
	}
}

// ErrorThresholdEvent is emitted the moment an ErrorKind's occurrence
// count crosses its threshold while the child is still running. The
// stream manager (C5) decides, from this and the fast-restart budget,
// whether to call Stop and respawn.
type ErrorThresholdEvent struct {
	StreamID streamtype.StreamID
	Kind     streamtype.ErrorKind
}

// ExitEvent is the one-shot result delivered once a child is reaped.
type ExitEvent struct {
	StreamID  streamtype.StreamID
	ExitCode  int
	Signal    int // negative signal number if terminated by signal, else 0
	Classified streamtype.ClassifiedError
	Runtime   time.Duration
}

// ChildHandle owns one running (or just-exited) ffmpeg process.
type ChildHandle struct {
	streamID streamtype.StreamID
	cfg      Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logDst io.Writer // full stderr capture (internal/logwriter.RotatingWriter)

	counters *ErrorCounters
	ring     *RingBuffer

	startTime  time.Time
	stopOnce   sync.Once
	stopIntent atomic.Value // streamtype.StopIntent
	stderrDone sync.WaitGroup

	errEvents chan ErrorThresholdEvent
	exitEvent chan ExitEvent
	reaped    chan struct{} // closed the instant cmd.Wait() returns, independent of exitEvent delivery
}

// Spawn starts the ffmpeg child for spec/staged in its own process group
// and begins reading its stderr. logDst, if non-nil, receives the full
// stderr stream for disk capture (internal/logwriter).
func Spawn(ctx context.Context, streamID streamtype.StreamID, cfg Config, spec streamtype.StreamSpec, staged streamtype.StagedMedia, logDst io.Writer) (*ChildHandle, error) {
	cmd := BuildCommand(ctx, cfg.FFmpegPath, spec, staged)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	h := &ChildHandle{
		streamID:  streamID,
		cfg:       cfg,
		cmd:       cmd,
		stdin:     stdin,
		logDst:    logDst,
		counters:  NewErrorCounters(),
		ring:      NewRingBuffer(cfg.RingBufferLines),
		errEvents: make(chan ErrorThresholdEvent, 16),
		exitEvent: make(chan ExitEvent, 1),
		reaped:    make(chan struct{}),
	}
	h.stopIntent.Store(streamtype.StopNone)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn ffmpeg: %w", err)
	}
	h.startTime = time.Now()

	h.stderrDone.Add(1)
	go h.readStderr(stderr)
	go h.wait()

	return h, nil
}

// PID returns the child's process id.
func (h *ChildHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// ErrorEvents delivers threshold-crossing notifications while the child runs.
func (h *ChildHandle) ErrorEvents() <-chan ErrorThresholdEvent { return h.errEvents }

// Exited delivers exactly one ExitEvent once the child has been reaped.
func (h *ChildHandle) Exited() <-chan ExitEvent { return h.exitEvent }

// HealthScore implements spec.md §4.4: starts at 1.0, -0.2 per classified
// error event (floored at 0.1), +0.1 per 60s of continuous liveness.
func (h *ChildHandle) HealthScore() float64 {
	score := 1.0
	for _, n := range h.counters.Snapshot() {
		score -= 0.2 * float64(n)
	}
	if score < 0.1 {
		score = 0.1
	}
	uptimeBonus := 0.1 * float64(time.Since(h.startTime)/(60*time.Second))
	score += uptimeBonus
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func (h *ChildHandle) readStderr(pipe io.ReadCloser) {
	defer h.stderrDone.Done()

	var tee io.Reader = pipe
	if h.logDst != nil {
		tee = io.TeeReader(pipe, h.logDst)
	}

	scanner := bufio.NewScanner(tee)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.ring.Add(line)

		kind, crossed := h.counters.Observe(line)
		if crossed {
			select {
			case h.errEvents <- ErrorThresholdEvent{StreamID: h.streamID, Kind: kind}:
			default: // caller isn't reading fast enough; drop, next exit event still carries full counters
			}
		}
	}
}

func (h *ChildHandle) wait() {
	// Drain stderr first: cmd.Wait closes the pipe once the process exits,
	// which would cut off lines the reader has not consumed yet.
	h.stderrDone.Wait()
	err := h.cmd.Wait()
	close(h.reaped)
	runtime := time.Since(h.startTime)

	exitCode := 0
	signal := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signal = -int(status.Signal())
				exitCode = -1
			}
		} else {
			exitCode = -1
		}
	}

	classified := classifyExit(h.stopIntent.Load().(streamtype.StopIntent), exitCode, signal, h.counters, h.ring)

	close(h.errEvents)
	h.exitEvent <- ExitEvent{
		StreamID:   h.streamID,
		ExitCode:   exitCode,
		Signal:     signal,
		Classified: classified,
		Runtime:    runtime,
	}
	close(h.exitEvent)
}

// classifyExit implements the priority order of spec.md §4.4.
func classifyExit(intent streamtype.StopIntent, exitCode, signal int, counters *ErrorCounters, ring *RingBuffer) streamtype.ClassifiedError {
	now := time.Now()
	tail := ring.Tail()

	if intent != streamtype.StopNone {
		var exit streamtype.ExitKind
		switch intent {
		case streamtype.StopUser:
			exit = streamtype.ExitUserStop
		case streamtype.StopShutdown:
			exit = streamtype.ExitSystemStop
		case streamtype.StopUpdate:
			exit = streamtype.ExitUpdating
		case streamtype.StopFatal:
			exit = streamtype.ExitFatalStop
		default:
			exit = streamtype.ExitUserStop
		}
		return streamtype.ClassifiedError{Exit: exit, Kind: streamtype.ErrUnknown, StderrTail: tail, Occurred: now}
	}

	if exitCode == 0 {
		return streamtype.ClassifiedError{Exit: streamtype.ExitNormal, Kind: streamtype.ErrUnknown, StderrTail: tail, Occurred: now}
	}

	if signal != 0 {
		return withDominant(streamtype.ExitExternalKill, counters, tail, now)
	}

	if exitCode == 137 {
		return streamtype.ClassifiedError{Exit: streamtype.ExitCrash, Kind: streamtype.ErrOOM, Message: "OOM (exit 137)", StderrTail: tail, Occurred: now}
	}

	return withDominant(streamtype.ExitCrash, counters, tail, now)
}

func withDominant(exit streamtype.ExitKind, counters *ErrorCounters, tail []string, now time.Time) streamtype.ClassifiedError {
	kind, ok := counters.Dominant()
	if !ok {
		kind = streamtype.ErrUnknown
	}
	return streamtype.ClassifiedError{Exit: exit, Kind: kind, StderrTail: tail, Occurred: now}
}

// Stop runs the graceful-then-forced stop sequence (spec.md §4.4): stdin
// "q\n", then SIGINT to the process group, then SIGKILL. intent must
// already reflect why this stop was requested, so the exit classifier can
// tell an intentional stop from a crash.
func (h *ChildHandle) Stop(ctx context.Context, intent streamtype.StopIntent) error {
	var stopErr error
	h.stopOnce.Do(func() {
		h.stopIntent.Store(intent)
		stopErr = h.runStopSequence(ctx)
	})
	return stopErr
}

// ForceKill skips the graceful stdin/SIGINT stages and sends SIGKILL to the
// process group immediately, for an operator FORCE_KILL_STREAM command
// rather than a normal stop.
func (h *ChildHandle) ForceKill(ctx context.Context) error {
	var stopErr error
	h.stopOnce.Do(func() {
		h.stopIntent.Store(streamtype.StopFatal)
		pgid := h.PID()
		if pgid > 0 {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
		if waitFor(ctx, h.reaped, h.cfg.ForceKillTimeout) {
			return
		}
		stopErr = fmt.Errorf("stream %d: child did not exit after SIGKILL", h.streamID)
	})
	return stopErr
}

func (h *ChildHandle) runStopSequence(ctx context.Context) error {
	pgid := h.PID()
	done := h.reaped

	isDone := func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}

	if h.stdin != nil {
		_, _ = io.WriteString(h.stdin, "q\n")
	}
	if waitFor(ctx, done, h.cfg.StdinQuitTimeout) {
		return nil
	}
	if isDone() {
		return nil
	}

	if pgid > 0 {
		_ = syscall.Kill(-pgid, syscall.SIGINT)
	}
	if waitFor(ctx, done, h.cfg.GracefulShutdownTimeout) {
		return nil
	}
	if isDone() {
		return nil
	}

	if pgid > 0 {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
	if waitFor(ctx, done, h.cfg.ForceKillTimeout) {
		return nil
	}
	if isDone() {
		return nil
	}

	return fmt.Errorf("stream %d: child did not exit after SIGKILL", h.streamID)
}

// waitFor blocks until done closes, timeout elapses, or ctx is cancelled,
// returning true only for the first case.
func waitFor(ctx context.Context, done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}
