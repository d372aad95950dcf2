// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/relaycast/agent/internal/registry"
	"github.com/relaycast/agent/internal/streamtype"
	"github.com/relaycast/agent/internal/util"
)

// DefaultWorkers bounds how many commands run concurrently; a storm of
// commands on the bus queues behind the semaphore rather than spawning an
// unbounded number of goroutines (spec.md §5).
const DefaultWorkers = 10

// Registry is the subset of internal/registry.Registry's API the dispatcher
// drives; a narrow interface here keeps this package testable without a
// live Redis or encoder process.
type Registry interface {
	Start(spec streamtype.StreamSpec) error
	Stop(ctx context.Context, id streamtype.StreamID, intent streamtype.StopIntent) error
	ForceKill(ctx context.Context, id streamtype.StreamID) error
	Update(ctx context.Context, id streamtype.StreamID, newSpec streamtype.StreamSpec) error
	CleanupFiles(id streamtype.StreamID, force bool) error
}

// Heartbeater is satisfied by internal/report.Reporter.
type Heartbeater interface {
	TriggerHeartbeat()
}

// SettingsReloader is satisfied by internal/config.KoanfConfig.
type SettingsReloader interface {
	Reload() error
}

// Dispatcher turns command envelopes off the bus into registry calls,
// bounded by a worker semaphore the way the teacher bounds its own download
// and ffprobe fan-out.
type Dispatcher struct {
	registry  Registry
	heartbeat Heartbeater
	settings  SettingsReloader

	sem    *semaphore.Weighted
	logger zerolog.Logger
}

// New creates a Dispatcher. settings may be nil, in which case
// REFRESH_SETTINGS is acknowledged as a no-op.
func New(reg Registry, heartbeat Heartbeater, settings SettingsReloader, workers int, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		registry:  reg,
		heartbeat: heartbeat,
		settings:  settings,
		sem:       semaphore.NewWeighted(int64(workers)),
		logger:    logger.With().Str("component", "dispatch").Logger(),
	}
}

// Run reads command payloads from ch (typically bus.Client.Subscribe's
// output for the host's commands channel) until ctx is cancelled or ch
// closes, dispatching each one on the worker pool.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle acquires a worker slot and dispatches one command envelope
// asynchronously. It blocks only long enough to acquire the slot; callers
// that need backpressure (e.g. Run's receive loop) get it for free since
// ctx cancellation unblocks Acquire immediately.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}
	util.SafeGo("dispatch-command", nil, func() {
		defer d.sem.Release(1)
		d.dispatch(ctx, raw)
	}, func(rec interface{}, _ []byte) {
		d.logger.Error().Interface("panic", rec).Msg("recovered panic dispatching command")
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, raw []byte) {
	correlationID := uuid.NewString()
	start := time.Now()

	var env CommandEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("malformed command envelope")
		return
	}
	logger := d.logger.With().Str("correlation_id", correlationID).Str("command", env.Command).Logger()

	var err error
	switch env.Command {
	case "START_STREAM":
		err = d.handleStart(env)
	case "STOP_STREAM":
		err = d.handleStop(ctx, env)
	case "UPDATE_STREAM":
		err = d.handleUpdate(ctx, env)
	case "FORCE_KILL_STREAM":
		err = d.handleForceKill(ctx, env)
	case "SYNC_STATE":
		d.handleSync()
	case "CLEANUP_FILES":
		err = d.handleCleanup(env)
	case "REFRESH_SETTINGS":
		err = d.handleRefresh()
	case "UPDATE_AGENT":
		logger.Info().Msg("update_agent acknowledged (not implemented on this host)")
	default:
		err = fmt.Errorf("unknown command %q", env.Command)
	}

	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Dur("duration", time.Since(start)).Msg("command handled")
}

func (d *Dispatcher) handleStart(env CommandEnvelope) error {
	if env.Config == nil {
		return fmt.Errorf("start_stream: missing config")
	}
	return d.registry.Start(env.Config.toSpec())
}

func (d *Dispatcher) handleStop(ctx context.Context, env CommandEnvelope) error {
	id, ok := env.resolveStreamID()
	if !ok {
		return fmt.Errorf("stop_stream: missing stream id")
	}
	err := d.registry.Stop(ctx, id, streamtype.StopUser)
	if errors.Is(err, registry.ErrStreamNotFound) {
		// STOP_STREAM on an already-absent stream is a no-op (spec.md §4.6).
		return nil
	}
	return err
}

func (d *Dispatcher) handleForceKill(ctx context.Context, env CommandEnvelope) error {
	id, ok := env.resolveStreamID()
	if !ok {
		return fmt.Errorf("force_kill_stream: missing stream id")
	}
	err := d.registry.ForceKill(ctx, id)
	if errors.Is(err, registry.ErrStreamNotFound) {
		// FORCE_KILL_STREAM is STOP_STREAM with timeouts clamped to 0; it is
		// equally idempotent on an already-absent stream (spec.md §4.6).
		return nil
	}
	return err
}

func (d *Dispatcher) handleUpdate(ctx context.Context, env CommandEnvelope) error {
	if env.Config == nil {
		return fmt.Errorf("update_stream: missing config")
	}
	id, ok := env.resolveStreamID()
	if !ok {
		return fmt.Errorf("update_stream: missing stream id")
	}
	return d.registry.Update(ctx, id, env.Config.toSpec())
}

func (d *Dispatcher) handleSync() {
	if d.heartbeat != nil {
		d.heartbeat.TriggerHeartbeat()
	}
}

func (d *Dispatcher) handleCleanup(env CommandEnvelope) error {
	id, ok := env.resolveStreamID()
	if !ok {
		return fmt.Errorf("cleanup_files: missing stream id")
	}
	return d.registry.CleanupFiles(id, env.Force)
}

func (d *Dispatcher) handleRefresh() error {
	if d.settings == nil {
		return nil
	}
	return d.settings.Reload()
}
