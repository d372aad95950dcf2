// SPDX-License-Identifier: MIT

// Package registry is the agent's supervision tree: it owns the set of
// active per-stream streammgr.Managers plus the long-lived background
// services added through AddService (reporter, staging GC sweeper, health
// endpoint, command dispatcher) under a single github.com/thejerf/suture/v4 supervisor, generalizing the
// hand-rolled restart loop the teacher's internal/supervisor package
// declared a suture dependency for but never actually used.
//
// The registry mutex guards only the id→entry index; it is never held
// while a Manager's own restart lock is acquired, so a slow per-stream
// operation can never block a concurrent lookup or a different stream's
// command (spec.md §5 deadlock-avoidance rule).
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/relaycast/agent/internal/encoder"
	"github.com/relaycast/agent/internal/report"
	"github.com/relaycast/agent/internal/stage"
	"github.com/relaycast/agent/internal/streammgr"
	"github.com/relaycast/agent/internal/streamtype"
	"github.com/relaycast/agent/internal/util"
)

// ErrStreamNotFound is returned by Stop/ForceKill/Update/CleanupFiles for a
// stream id the registry has no entry for. Command handlers treat it as
// idempotent success for STOP_STREAM and FORCE_KILL_STREAM (spec.md §4.6).
var ErrStreamNotFound = errors.New("stream not found")

// Registry owns every active stream's Manager and the shared background
// services they depend on.
type Registry struct {
	super *suture.Supervisor

	stager     *stage.Stager
	supervisor *encoder.Supervisor
	reporter   *report.Reporter
	cfg        streammgr.Config
	logDst     io.Writer
	logger     zerolog.Logger

	mu      sync.Mutex
	streams map[streamtype.StreamID]*entry
}

type entry struct {
	manager *streammgr.Manager
	token   suture.ServiceToken
}

// New creates a Registry. cfg.Store (internal/statedb.DB, optional) is
// forwarded to every Manager it creates so staging touches and restart
// counters survive an agent restart. Call AddService for each ambient
// background service before Serve, then Start/Stop/Update/ForceKill per
// stream as commands arrive.
func New(stager *stage.Stager, sup *encoder.Supervisor, reporter *report.Reporter, cfg streammgr.Config, logDst io.Writer, logger zerolog.Logger) *Registry {
	logger = logger.With().Str("component", "registry").Logger()
	return &Registry{
		super: suture.New("relaycast-agent", suture.Spec{
			Log: func(msg string) { logger.Debug().Msg(msg) },
		}),
		stager:     stager,
		supervisor: sup,
		reporter:   reporter,
		cfg:        cfg,
		logDst:     logDst,
		logger:     logger,
		streams:    make(map[streamtype.StreamID]*entry),
	}
}

// AddService registers a long-lived background service (internal/agent adds
// reporter.Run, stage.Sweeper.Run, the health server and the command
// dispatcher) under the same
// supervision tree as the per-stream managers, so a panic in any of them is
// recovered and logged rather than taking down the process
// (internal/util.SafeGo covers the same concern one level lower, for
// goroutines that are not themselves suture services).
func (r *Registry) AddService(svc suture.Service) suture.ServiceToken {
	return r.super.Add(svc)
}

// Serve runs the supervision tree until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context) error {
	return r.super.Serve(ctx)
}

// managerService adapts a streammgr.Manager to suture.Service: it starts
// the stream and blocks until the Manager reports itself fully stopped,
// then returns nil unconditionally — the Manager owns its own restart
// policy, so suture never restarts a stream service on our behalf.
type managerService struct {
	id   streamtype.StreamID
	m    *streammgr.Manager
	spec streamtype.StreamSpec
}

func (s *managerService) Serve(ctx context.Context) error {
	s.m.StartAsync(ctx, s.spec)
	select {
	case <-s.m.Stopped():
	case <-ctx.Done():
	}
	return nil
}

// Start creates and runs a Manager for spec.ID, unless one is already
// active.
func (r *Registry) Start(spec streamtype.StreamSpec) error {
	r.mu.Lock()
	if _, exists := r.streams[spec.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("stream %d: already running", spec.ID)
	}
	m := streammgr.NewManager(spec.ID, r.stager, r.supervisor, r.reporter, r.cfg, r.logDst, r.logger)
	token := r.super.Add(&managerService{id: spec.ID, m: m, spec: spec})
	r.streams[spec.ID] = &entry{manager: m, token: token}
	r.mu.Unlock()
	return nil
}

// Stop gracefully stops a running stream and removes it from the registry.
func (r *Registry) Stop(ctx context.Context, id streamtype.StreamID, intent streamtype.StopIntent) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("stream %d: %w", id, ErrStreamNotFound)
	}
	if err := e.manager.Stop(ctx, intent); err != nil {
		return err
	}
	r.forget(id, e.token)
	return nil
}

// ForceKill immediately kills a running stream's child and removes it from
// the registry.
func (r *Registry) ForceKill(ctx context.Context, id streamtype.StreamID) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("stream %d: %w", id, ErrStreamNotFound)
	}
	if err := e.manager.ForceKill(ctx); err != nil {
		return err
	}
	r.forget(id, e.token)
	return nil
}

// Update applies an UPDATE_STREAM command to a running stream.
func (r *Registry) Update(ctx context.Context, id streamtype.StreamID, newSpec streamtype.StreamSpec) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("stream %d: %w", id, ErrStreamNotFound)
	}
	return e.manager.Update(ctx, newSpec)
}

// CleanupFiles removes a stream's staging directory. It refuses for a
// stream that is still active unless force is set.
func (r *Registry) CleanupFiles(id streamtype.StreamID, force bool) error {
	e, ok := r.lookup(id)
	if ok && e.manager.State().Active() && !force {
		return fmt.Errorf("stream %d: still active, use force to clean up anyway", id)
	}
	return r.stager.Remove(id)
}

// Get returns the Manager for id, if the registry has an entry for it.
func (r *Registry) Get(id streamtype.StreamID) (*streammgr.Manager, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	return e.manager, true
}

// Active returns the stream ids currently in an active lifecycle state
// (spec.md §3 invariant 3), for heartbeats and the health endpoint.
func (r *Registry) Active() []streamtype.StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]streamtype.StreamID, 0, len(r.streams))
	for id, e := range r.streams {
		if e.manager.State().Active() {
			ids = append(ids, id)
		}
	}
	return ids
}

// All returns every currently registered stream id, active or in ERROR.
func (r *Registry) All() []streamtype.StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]streamtype.StreamID, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// StopAll stops every registered stream with intent, waiting up to
// deadline's context for all of them in parallel (spec.md §4.9 shutdown
// drain: "parallel stop with a 30s global deadline").
func (r *Registry) StopAll(ctx context.Context, intent streamtype.StopIntent) {
	ids := r.All()
	var wg sync.WaitGroup
	wg.Add(len(ids))
	for _, id := range ids {
		id := id
		util.SafeGo(fmt.Sprintf("registry-stopall-%d", id), r.logDst, func() {
			defer wg.Done()
			if err := r.Stop(ctx, id, intent); err != nil {
				r.logger.Warn().Err(err).Int64("stream_id", int64(id)).Msg("shutdown stop failed")
			}
		}, func(rec interface{}, _ []byte) {
			r.logger.Error().Interface("panic", rec).Int64("stream_id", int64(id)).Msg("recovered panic stopping stream during shutdown")
		})
	}
	wg.Wait()
}

func (r *Registry) lookup(id streamtype.StreamID) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.streams[id]
	return e, ok
}

func (r *Registry) forget(id streamtype.StreamID, token suture.ServiceToken) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
	_ = r.super.Remove(token)
}
