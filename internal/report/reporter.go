// SPDX-License-Identifier: MIT

// Package report is the outbound half of the control-plane connection: it
// turns Manager status changes, restart escalations, and periodic
// heartbeat/host-stats samples into the four wire payload classes of
// spec.md §4.7 and publishes them over internal/bus, each class queued and
// throttled independently so a burst on one never starves another.
package report

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rs/zerolog"

	"github.com/relaycast/agent/internal/bus"
	"github.com/relaycast/agent/internal/streammgr"
	"github.com/relaycast/agent/internal/streamtype"
	"github.com/relaycast/agent/internal/util"
)

const (
	// HeartbeatInterval is the default heartbeat cadence (spec.md §4.7).
	HeartbeatInterval = 5 * time.Second

	// StatsInterval is the default host-stats cadence (spec.md §4.8).
	StatsInterval = 15 * time.Second

	// progressInterval bounds PROGRESS STATUS_UPDATEs to at most one per
	// stream in this window (spec.md §4.7).
	progressInterval = 2 * time.Second

	statusQueueCap    = 1024
	restartQueueCap   = 1024
	heartbeatQueueCap = 16
	statsQueueCap     = 16

	statusProgress = "PROGRESS"
)

// StatusUpdate is wire class 1 (spec.md §6).
type StatusUpdate struct {
	Type      string         `json:"type"`
	StreamID  streamtype.StreamID `json:"stream_id"`
	HostID    string         `json:"host_id"`
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// RestartRequestPayload is wire class 2 (spec.md §6).
type RestartRequestPayload struct {
	Type       string              `json:"type"`
	StreamID   streamtype.StreamID `json:"stream_id"`
	HostID     string              `json:"host_id"`
	Reason     string              `json:"reason"`
	CrashCount int                 `json:"crash_count"`
	LastError  string              `json:"last_error"`
	ErrorType  string              `json:"error_type"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Heartbeat is wire class 3 (spec.md §6).
type Heartbeat struct {
	Type          string                `json:"type"`
	HostID        string                `json:"host_id"`
	ActiveStreams []streamtype.StreamID `json:"active_streams"`
	Timestamp     time.Time             `json:"timestamp"`
	ReAnnounce    bool                  `json:"re_announce,omitempty"`
}

// HostStatsReport is wire class 4, published on the stats channel rather
// than the reports channel.
type HostStatsReport struct {
	Type      string  `json:"type"`
	HostID    string  `json:"host_id"`
	CPU       float64 `json:"cpu_percent"`
	RAM       float64 `json:"ram_percent"`
	Disk      float64 `json:"disk_percent"`
	NetRx     uint64  `json:"net_rx_bytes"`
	NetTx     uint64  `json:"net_tx_bytes"`
	Active    int     `json:"active_streams"`
	Timestamp time.Time `json:"timestamp"`
}

// ActiveStreamsFunc reports the stream ids currently in an active state,
// for heartbeats and re-announce (spec.md §3 invariant 3).
type ActiveStreamsFunc func() []streamtype.StreamID

// StatsSampleFunc produces one host-wide resource snapshot.
type StatsSampleFunc func() streamtype.HostSnapshot

// Reporter owns the four outbound queues and their publish loops.
type Reporter struct {
	bus    *bus.Client
	hostID string
	logger zerolog.Logger

	activeStreams ActiveStreamsFunc
	sampleStats   StatsSampleFunc

	statusQ    *queue
	restartQ   *queue
	heartbeatQ *queue
	statsQ     *queue

	progressMu       sync.Mutex
	progressLimiters map[streamtype.StreamID]*rate.Limiter

	heartbeatInterval time.Duration
	statsInterval     time.Duration

	now func() time.Time
}

// New creates a Reporter publishing through b as hostID.
func New(b *bus.Client, hostID string, activeStreams ActiveStreamsFunc, sampleStats StatsSampleFunc, logger zerolog.Logger) *Reporter {
	return &Reporter{
		bus:               b,
		hostID:            hostID,
		logger:            logger.With().Str("component", "reporter").Logger(),
		activeStreams:     activeStreams,
		sampleStats:       sampleStats,
		statusQ:           newQueue(statusQueueCap, false),
		restartQ:          newQueue(restartQueueCap, false),
		heartbeatQ:        newQueue(heartbeatQueueCap, true),
		statsQ:            newQueue(statsQueueCap, true),
		progressLimiters:  make(map[streamtype.StreamID]*rate.Limiter),
		heartbeatInterval: HeartbeatInterval,
		statsInterval:     StatsInterval,
		now:               time.Now,
	}
}

// Status implements streammgr.Reporter. id is encoded from the status
// string's caller; PROGRESS updates are throttled per stream.
func (r *Reporter) Status(id streamtype.StreamID, status string, message string) {
	if status == statusProgress && !r.allowProgress(id) {
		return
	}

	payload := StatusUpdate{
		Type:      "STATUS_UPDATE",
		StreamID:  id,
		HostID:    r.hostID,
		Status:    status,
		Message:   message,
		Timestamp: r.now(),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error().Err(err).Msg("marshal STATUS_UPDATE")
		return
	}
	if dropped := r.statusQ.push(b); dropped {
		r.logger.Warn().Int64("stream_id", int64(id)).Msg("status report queue full, dropping")
	}
}

// RestartRequest implements streammgr.Reporter.
func (r *Reporter) RestartRequest(req streammgr.RestartRequest) {
	payload := RestartRequestPayload{
		Type:       "RESTART_REQUEST",
		StreamID:   req.StreamID,
		HostID:     r.hostID,
		Reason:     req.Reason,
		CrashCount: req.CrashCount,
		LastError:  req.LastError,
		ErrorType:  string(req.ErrorType),
		Timestamp:  r.now(),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error().Err(err).Msg("marshal RESTART_REQUEST")
		return
	}
	if dropped := r.restartQ.push(b); dropped {
		r.logger.Warn().Int64("stream_id", int64(req.StreamID)).Msg("restart report queue full, dropping")
	}
}

func (r *Reporter) allowProgress(id streamtype.StreamID) bool {
	r.progressMu.Lock()
	lim, ok := r.progressLimiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(progressInterval), 1)
		r.progressLimiters[id] = lim
	}
	r.progressMu.Unlock()
	return lim.Allow()
}

// TriggerHeartbeat emits an immediate heartbeat (spec.md §4.6 SYNC_STATE).
func (r *Reporter) TriggerHeartbeat() {
	r.emitHeartbeat(false)
}

func (r *Reporter) emitHeartbeat(reannounce bool) {
	hb := Heartbeat{
		Type:          "HEARTBEAT",
		HostID:        r.hostID,
		ActiveStreams: r.activeStreams(),
		Timestamp:     r.now(),
		ReAnnounce:    reannounce,
	}
	b, err := json.Marshal(hb)
	if err != nil {
		r.logger.Error().Err(err).Msg("marshal HEARTBEAT")
		return
	}
	r.heartbeatQ.push(b)
}

func (r *Reporter) emitStats() {
	snap := r.sampleStats()
	payload := HostStatsReport{
		Type:      "HOST_STATS",
		HostID:    r.hostID,
		CPU:       snap.CPUPercent,
		RAM:       snap.RAMPercent,
		Disk:      snap.DiskPercent,
		NetRx:     snap.NetRxBytes,
		NetTx:     snap.NetTxBytes,
		Active:    snap.ActiveStreams,
		Timestamp: snap.Timestamp,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error().Err(err).Msg("marshal host stats")
		return
	}
	r.statsQ.push(b)
}

// Run drives the heartbeat/stats tickers and all four publish loops until
// ctx is cancelled. It drains any queue fully before going back to sleep,
// so a publish burst does not wait on the next tick.
func (r *Reporter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)
	r.safeDrain(ctx, &wg, "status", r.statusQ, bus.ReportsChannel)
	r.safeDrain(ctx, &wg, "restart", r.restartQ, bus.ReportsChannel)
	r.safeDrain(ctx, &wg, "heartbeat", r.heartbeatQ, bus.ReportsChannel)
	r.safeDrain(ctx, &wg, "stats", r.statsQ, bus.StatsChannel)

	hbTicker := time.NewTicker(r.heartbeatInterval)
	defer hbTicker.Stop()
	statsTicker := time.NewTicker(r.statsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-hbTicker.C:
			r.emitHeartbeat(r.bus.ConsumeReannounce())
		case <-statsTicker.C:
			r.emitStats()
		}
	}
}

// safeDrain launches one of the four drain loops under util.SafeGo so a
// panic inside a single publish loop is recovered and logged rather than
// taking down the whole reporter (and, propagated through Serve, the
// registry's supervision tree).
func (r *Reporter) safeDrain(ctx context.Context, wg *sync.WaitGroup, name string, q *queue, channel string) {
	util.SafeGo("reporter-drain-"+name, nil, func() {
		defer wg.Done()
		r.drainLoop(ctx, q, channel)
	}, func(rec interface{}, _ []byte) {
		r.logger.Error().Interface("panic", rec).Str("queue", name).Msg("recovered panic in reporter drain loop")
	})
}

// drainLoop publishes every item pushed to q, in order, waking either on a
// push notification or a slow poll (in case a notify was missed while the
// drainer was mid-publish and a second push landed before it looped back).
func (r *Reporter) drainLoop(ctx context.Context, q *queue, channel string) {
	const pollInterval = 250 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		for _, item := range q.drain() {
			if _, err := r.bus.Publish(ctx, channel, item); err != nil {
				r.logger.Warn().Err(err).Str("channel", channel).Msg("publish failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}
	}
}
