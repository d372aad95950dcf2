// SPDX-License-Identifier: MIT

package hoststats

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/relaycast/agent/internal/streamtype"
)

// sampleInterval is how long a Snapshot is reused before the next call
// forces a fresh read of /proc and the staging filesystem.
const sampleInterval = 5 * time.Second

// cpuSample is a raw reading of the aggregate "cpu" line in /proc/stat.
type cpuSample struct {
	idle  uint64
	total uint64
}

// netSample is a raw reading of the rx/tx byte counters across all
// non-loopback interfaces in /proc/net/dev.
type netSample struct {
	rxBytes uint64
	txBytes uint64
}

// Collector produces host-wide resource snapshots for the agent's
// periodic stats reports (spec.md §4.8): CPU load, RAM use, staging disk
// use, and network throughput, cached for sampleInterval to amortize
// repeated /proc reads across the reporter and health endpoint.
type Collector struct {
	procPath    string
	stagingRoot string

	mu       sync.Mutex
	lastCPU  *cpuSample
	lastNet  *netSample
	lastAt   time.Time
	cached   streamtype.HostSnapshot
	hasCache bool
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithHostProcPath overrides /proc, for tests.
func WithHostProcPath(path string) CollectorOption {
	return func(c *Collector) { c.procPath = path }
}

// NewCollector creates a host-wide stats collector. stagingRoot is the
// filesystem whose disk usage is reported (the File Stager's download
// directory).
func NewCollector(stagingRoot string, opts ...CollectorOption) *Collector {
	c := &Collector{
		procPath:    "/proc",
		stagingRoot: stagingRoot,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sample returns a HostSnapshot with activeStreams filled in by the
// caller. Results are cached for sampleInterval; callers invoked more
// frequently than that receive the prior reading with only ActiveStreams
// updated; its Timestamp stays that of the cached sample.
func (c *Collector) Sample(activeStreams int) streamtype.HostSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.hasCache && now.Sub(c.lastAt) < sampleInterval {
		snap := c.cached
		snap.ActiveStreams = activeStreams
		return snap
	}

	snap := streamtype.HostSnapshot{
		Timestamp:     now,
		ActiveStreams: activeStreams,
	}

	if cpu, pct, ok := c.sampleCPU(); ok {
		c.lastCPU = cpu
		snap.CPUPercent = pct
	} else if c.lastCPU != nil {
		snap.CPUPercent = c.cached.CPUPercent
	}

	snap.RAMPercent = c.sampleMemory()
	snap.DiskPercent = c.sampleDisk()

	if net, rxDelta, txDelta, ok := c.sampleNet(); ok {
		c.lastNet = net
		snap.NetRxBytes = rxDelta
		snap.NetTxBytes = txDelta
	}

	c.cached = snap
	c.hasCache = true
	c.lastAt = now
	return snap
}

func (c *Collector) sampleCPU() (*cpuSample, float64, bool) {
	data, err := os.ReadFile(c.procPath + "/stat") // #nosec G304 -- fixed /proc path
	if err != nil {
		return nil, 0, false
	}
	lines := strings.SplitN(string(data), "\n", 2)
	if len(lines) == 0 {
		return nil, 0, false
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 5 || fields[0] != "cpu" {
		return nil, 0, false
	}

	var sum uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		sum += v
		if i == 3 { // idle is the 4th field (index 3)
			idle = v
		}
	}
	cur := &cpuSample{idle: idle, total: sum}

	if c.lastCPU == nil {
		return cur, 0, true
	}
	totalDelta := float64(cur.total - c.lastCPU.total)
	idleDelta := float64(cur.idle - c.lastCPU.idle)
	if totalDelta <= 0 {
		return cur, 0, true
	}
	busy := (totalDelta - idleDelta) / totalDelta * 100
	if busy < 0 {
		busy = 0
	}
	return cur, busy, true
}

func (c *Collector) sampleMemory() float64 {
	data, err := os.ReadFile(c.procPath + "/meminfo") // #nosec G304 -- fixed /proc path
	if err != nil {
		return 0
	}
	var total, available uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			available, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if total == 0 {
		return 0
	}
	return float64(total-available) / float64(total) * 100
}

func (c *Collector) sampleDisk() float64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.stagingRoot, &stat); err != nil {
		return 0
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0
	}
	free := stat.Bavail * uint64(stat.Bsize)
	used := total - free
	return float64(used) / float64(total) * 100
}

func (c *Collector) sampleNet() (*netSample, uint64, uint64, bool) {
	data, err := os.ReadFile(c.procPath + "/net/dev") // #nosec G304 -- fixed /proc path
	if err != nil {
		return nil, 0, 0, false
	}

	var rx, tx uint64
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.Contains(line, ":") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		iface := strings.TrimSpace(parts[0])
		if iface == "lo" || iface == "" {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) < 9 {
			continue
		}
		if v, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			rx += v
		}
		if v, err := strconv.ParseUint(fields[8], 10, 64); err == nil {
			tx += v
		}
	}

	cur := &netSample{rxBytes: rx, txBytes: tx}
	if c.lastNet == nil {
		return cur, 0, 0, true
	}
	var rxDelta, txDelta uint64
	if cur.rxBytes >= c.lastNet.rxBytes {
		rxDelta = cur.rxBytes - c.lastNet.rxBytes
	}
	if cur.txBytes >= c.lastNet.txBytes {
		txDelta = cur.txBytes - c.lastNet.txBytes
	}
	return cur, rxDelta, txDelta, true
}

// SnapshotString renders a HostSnapshot as a short human-readable line,
// used by relaycastctl and debug logging.
func SnapshotString(s streamtype.HostSnapshot) string {
	return fmt.Sprintf("cpu=%.1f%% ram=%.1f%% disk=%.1f%% rx=%s tx=%s streams=%d",
		s.CPUPercent, s.RAMPercent, s.DiskPercent,
		FormatBytesU64(s.NetRxBytes), FormatBytesU64(s.NetTxBytes), s.ActiveStreams)
}
