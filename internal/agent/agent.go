// SPDX-License-Identifier: MIT

// Package agent is the composition root: it wires C1-C8 (config, bus,
// staging, encoding, stream state machines, supervision registry,
// reporting, host stats) into one process and owns the documented startup
// and shutdown ordering (spec.md §4.9), generalizing the teacher's
// cmd/lyrebird-stream/main.go "build one thing, wire signals, block" shape
// into a reusable, testable Agent type rather than a single main function.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycast/agent/internal/bus"
	"github.com/relaycast/agent/internal/config"
	"github.com/relaycast/agent/internal/dispatch"
	"github.com/relaycast/agent/internal/encoder"
	"github.com/relaycast/agent/internal/health"
	"github.com/relaycast/agent/internal/hoststats"
	"github.com/relaycast/agent/internal/registry"
	"github.com/relaycast/agent/internal/report"
	"github.com/relaycast/agent/internal/stage"
	"github.com/relaycast/agent/internal/statedb"
	"github.com/relaycast/agent/internal/streammgr"
	"github.com/relaycast/agent/internal/streamtype"
)

// shutdownDrainTimeout bounds the whole shutdown sequence (spec.md §4.9:
// "parallel stop with a 30s global deadline").
const shutdownDrainTimeout = 30 * time.Second

// Agent owns every long-lived component for one host's relaycast process.
type Agent struct {
	cfg    *config.Config
	koanf  *config.KoanfConfig
	logger zerolog.Logger

	busClient          *bus.Client
	stager             *stage.Stager
	sweeper            *stage.Sweeper
	supervisor         *encoder.Supervisor
	reporter           *report.Reporter
	reg                *registry.Registry
	dispatcher         *dispatch.Dispatcher
	stateDB            *statedb.DB
	hoststatsCollector *hoststats.Collector
	health             *health.Handler
}

// New builds an Agent from cfg, wiring every component but starting none of
// them; call Run to bring the whole tree up.
func New(kc *config.KoanfConfig, logger zerolog.Logger) (*Agent, error) {
	cfg, err := kc.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger = logger.With().Str("host_id", cfg.Launch.HostID).Logger()

	a := &Agent{cfg: cfg, koanf: kc, logger: logger}

	// C3: file stager, rooted at the configured staging directory.
	a.stager = stage.NewStager(cfg.Launch.StagingRoot, stage.WithConcurrency(int64(nonZero(cfg.Tunables.DownloadConcurrency, stage.DefaultConcurrency))))

	// C4: ffmpeg process supervisor.
	ffmpegPath := findFFmpegPath()
	encCfg := encoder.DefaultConfig(ffmpegPath)
	a.supervisor = encoder.NewSupervisor(encCfg)

	// C8: host-wide resource sampler, rooted at the same staging filesystem.
	a.hoststatsCollector = hoststats.NewCollector(cfg.Launch.StagingRoot)

	// C2: bus connection. Connect is deferred to Run so construction never
	// blocks on the network.
	a.busClient = bus.NewClient(bus.Config{
		Addr:          net.JoinHostPort(cfg.Launch.BusHost, strconv.Itoa(cfg.Launch.BusPort)),
		Password:      cfg.Launch.BusPassword,
		HostID:        cfg.Launch.HostID,
		BackoffBase:   cfg.Tunables.BackoffBase,
		BackoffCap:    cfg.Tunables.BackoffCap,
		BackoffFactor: cfg.Tunables.BackoffFactor,
	}, logger)

	// C7: reporter, given callbacks into the registry and host-stats
	// collector it doesn't own yet (registry is constructed below, so the
	// callbacks close over the Agent's own fields rather than a concrete
	// value captured too early).
	a.reporter = report.New(a.busClient, cfg.Launch.HostID, a.activeStreamIDs, a.sampleHostStats, logger)

	// internal/statedb: persisted stream metadata, survives an agent
	// restart. Opened eagerly; an unopenable store is a fatal
	// configuration error rather than a silent fallback to no persistence.
	stateDBPath := cfg.Launch.StagingRoot + "/.relaycast-state"
	db, err := statedb.Open(stateDBPath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a.stateDB = db

	// C5 config, shared by every Manager the registry creates.
	mgrCfg := streammgr.Config{
		FastRestartDelay:   cfg.Tunables.FastRestartDelay,
		SuccessResetWindow: cfg.Tunables.SuccessResetWindow,
		MaxFastRestarts:    cfg.Tunables.MaxFastRestarts,
		Encoder:            encCfg,
		Store:              a.stateDB,
	}

	logDst := os.Stderr

	// C1/registry: the supervision tree for every per-stream Manager plus
	// the ambient background services.
	a.reg = registry.New(a.stager, a.supervisor, a.reporter, mgrCfg, logDst, logger)

	// C3 sweeper: reclaims orphaned staging directories for streams the
	// registry no longer tracks.
	a.sweeper = stage.NewSweeper(cfg.Launch.StagingRoot, a.liveStreamSet, logger)

	// C6: command dispatcher, bridging bus-delivered envelopes to registry
	// operations.
	a.dispatcher = dispatch.New(a.reg, a.reporter, a.koanf, nonZero(cfg.Tunables.CommandWorkerPoolSize, dispatch.DefaultWorkers), logger)

	a.health = health.NewHandler(a).WithSystemInfo(a)

	return a, nil
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// findFFmpegPath mirrors the teacher's cmd/lyrebird-stream lookup: a few
// well-known install locations, then a $PATH scan.
func findFFmpegPath() string {
	candidates := []string{"/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg", "/opt/homebrew/bin/ffmpeg"}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return "ffmpeg"
}

func (a *Agent) activeStreamIDs() []streamtype.StreamID {
	return a.reg.Active()
}

// diskLowWarningPercent mirrors internal/diagnostics' DiskUsageWarningPercent
// threshold for the health endpoint's degraded signal.
const diskLowWarningPercent = 85.0

// Services implements health.StatusProvider.
func (a *Agent) Services() []health.ServiceInfo {
	ids := a.reg.All()
	services := make([]health.ServiceInfo, 0, len(ids))
	for _, id := range ids {
		m, ok := a.reg.Get(id)
		if !ok {
			continue
		}
		state := m.State()
		info := health.ServiceInfo{
			Name:     fmt.Sprintf("stream-%d", id),
			State:    string(state),
			Healthy:  state.Active(),
			Restarts: m.RestartCount(),
		}
		if successAt := m.SuccessAt(); !successAt.IsZero() {
			info.Uptime = time.Since(successAt)
		}
		services = append(services, info)
	}
	return services
}

// SystemInfo implements health.SystemInfoProvider, sampling the staging
// filesystem the same way internal/diagnostics' Disk Space check does.
func (a *Agent) SystemInfo() health.SystemInfo {
	var stat syscall.Statfs_t
	si := health.SystemInfo{NTPSynced: true}
	if err := syscall.Statfs(a.cfg.Launch.StagingRoot, &stat); err == nil {
		// #nosec G115 -- Bsize is always positive on Linux filesystems
		available := stat.Bavail * uint64(stat.Bsize)
		// #nosec G115 -- Bsize is always positive on Linux filesystems
		total := stat.Blocks * uint64(stat.Bsize)
		si.DiskFreeBytes = available
		si.DiskTotalBytes = total
		if total > 0 {
			usedPercent := 100.0 - (float64(available)/float64(total))*100.0
			si.DiskLowWarning = usedPercent > diskLowWarningPercent
		}
	}

	out, err := exec.Command("timedatectl", "status").Output()
	if err != nil {
		si.NTPMessage = "time sync check skipped (timedatectl not available)"
		return si
	}
	si.NTPSynced = bytes.Contains(out, []byte("synchronized: yes"))
	if !si.NTPSynced {
		si.NTPMessage = "system clock may not be NTP-synchronized"
	}
	return si
}

func (a *Agent) sampleHostStats() streamtype.HostSnapshot {
	return a.hoststatsCollector.Sample(a.reg.Count())
}

func (a *Agent) liveStreamSet() map[streamtype.StreamID]struct{} {
	ids := a.reg.All()
	live := make(map[streamtype.StreamID]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
	}
	return live
}

// Run starts every component in the documented order and blocks until ctx
// is cancelled, then drains in-flight streams before returning (spec.md
// §4.9). Startup order: bus connect, host-stats/reporter, staging sweeper,
// encoder supervisor (already constructed, nothing to start), stream
// registry, command dispatch subscribed last so no command can arrive
// before everything it might touch exists.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.busClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer a.busClient.Close()

	a.reg.AddService(runnerService{name: "reporter", run: func(ctx context.Context) error {
		a.reporter.Run(ctx)
		return nil
	}})
	a.reg.AddService(runnerService{name: "staging-sweeper", run: a.sweeper.Run})

	healthAddr := a.cfg.Tunables.HealthAddr
	if healthAddr != "" {
		a.reg.AddService(runnerService{name: "health", run: func(ctx context.Context) error {
			return health.ListenAndServe(ctx, healthAddr, a.health)
		}})
	}

	cmdCh := a.busClient.Subscribe(ctx, bus.CommandsChannel(a.cfg.Launch.HostID))
	a.reg.AddService(runnerService{name: "dispatch", run: func(ctx context.Context) error {
		a.dispatcher.Run(ctx, cmdCh)
		return nil
	}})

	err := a.reg.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()
	a.reg.StopAll(shutdownCtx, streamtype.StopShutdown)

	if a.stateDB != nil {
		if cerr := a.stateDB.Close(); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("failed to close state store")
		}
	}

	return err
}

// runnerService adapts a plain run function to suture.Service so ambient
// background services share the registry's supervision tree and panic
// recovery with the per-stream Managers (internal/registry.AddService).
type runnerService struct {
	name string
	run  func(ctx context.Context) error
}

func (s runnerService) Serve(ctx context.Context) error { return s.run(ctx) }
func (s runnerService) String() string                  { return s.name }
