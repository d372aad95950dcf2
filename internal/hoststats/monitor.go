// SPDX-License-Identifier: MIT

// Package hoststats samples host-wide and per-child resource usage from
// /proc for the agent's periodic stats reports and per-encoder health
// alerts.
package hoststats

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ChildMetrics contains resource usage information for one encoder child.
type ChildMetrics struct {
	PID             int
	FileDescriptors int
	CPUPercent      float64
	MemoryBytes     int64
	MemoryPercent   float64
	ThreadCount     int
	Uptime          time.Duration
	Timestamp       time.Time
}

// ChildThresholds defines warning and critical thresholds for a child's
// resource use, applied by ChildMonitor.CheckThresholds.
type ChildThresholds struct {
	FDWarning      int
	FDCritical     int
	CPUWarning     float64
	CPUCritical    float64
	MemoryWarning  int64
	MemoryCritical int64
}

// DefaultChildThresholds returns sensible defaults for one ffmpeg child.
func DefaultChildThresholds() ChildThresholds {
	return ChildThresholds{
		FDWarning:      500,
		FDCritical:     1000,
		CPUWarning:     20.0,
		CPUCritical:    40.0,
		MemoryWarning:  512 * 1024 * 1024,
		MemoryCritical: 1024 * 1024 * 1024,
	}
}

// AlertLevel indicates the severity of a resource alert.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertWarning
	AlertCritical
)

func (a AlertLevel) String() string {
	switch a {
	case AlertWarning:
		return "WARNING"
	case AlertCritical:
		return "CRITICAL"
	default:
		return "OK"
	}
}

// ResourceAlert is an out-of-band signal that a child is using too many
// resources; it does not by itself stop the child.
type ResourceAlert struct {
	Level    AlertLevel
	Resource string // "fd", "cpu", "memory"
	Message  string
	Value    interface{}
}

// ChildMonitor samples resource usage of one or more encoder child processes.
type ChildMonitor struct {
	thresholds ChildThresholds
	logger     io.Writer
	mu         sync.RWMutex
	metrics    map[int]*ChildMetrics
	procPath   string
}

// ChildMonitorOption configures a ChildMonitor.
type ChildMonitorOption func(*ChildMonitor)

// WithChildThresholds sets custom resource thresholds.
func WithChildThresholds(t ChildThresholds) ChildMonitorOption {
	return func(m *ChildMonitor) { m.thresholds = t }
}

// WithLogger sets a logger for threshold-crossing alerts.
func WithLogger(w io.Writer) ChildMonitorOption {
	return func(m *ChildMonitor) { m.logger = w }
}

// WithProcPath overrides /proc, for tests.
func WithProcPath(path string) ChildMonitorOption {
	return func(m *ChildMonitor) { m.procPath = path }
}

// NewChildMonitor creates a resource monitor for encoder children.
func NewChildMonitor(opts ...ChildMonitorOption) *ChildMonitor {
	m := &ChildMonitor{
		thresholds: DefaultChildThresholds(),
		metrics:    make(map[int]*ChildMetrics),
		procPath:   "/proc",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sample collects current resource metrics for pid.
func (m *ChildMonitor) Sample(pid int) (*ChildMetrics, error) {
	procDir := filepath.Join(m.procPath, strconv.Itoa(pid))
	if _, err := os.Stat(procDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("process %d not found", pid)
	}

	metrics := &ChildMetrics{PID: pid, Timestamp: time.Now()}

	if entries, err := os.ReadDir(filepath.Join(procDir, "fd")); err == nil {
		metrics.FileDescriptors = len(entries)
	}

	// #nosec G304 -- reading from /proc, controlled path
	if data, err := os.ReadFile(filepath.Join(procDir, "stat")); err == nil {
		metrics.ThreadCount = parseThreadCount(string(data))
	}

	// #nosec G304 -- reading from /proc, controlled path
	if data, err := os.ReadFile(filepath.Join(procDir, "statm")); err == nil {
		metrics.MemoryBytes = parseMemoryBytes(string(data))
	}

	if startTime, err := m.processStartTime(pid); err == nil {
		metrics.Uptime = time.Since(startTime)
	}

	m.mu.Lock()
	m.metrics[pid] = metrics
	m.mu.Unlock()

	return metrics, nil
}

// CheckThresholds compares metrics against the configured thresholds.
func (m *ChildMonitor) CheckThresholds(metrics *ChildMetrics) []ResourceAlert {
	var alerts []ResourceAlert

	switch {
	case metrics.FileDescriptors >= m.thresholds.FDCritical:
		alerts = append(alerts, ResourceAlert{AlertCritical, "fd",
			fmt.Sprintf("file descriptors at critical level: %d >= %d", metrics.FileDescriptors, m.thresholds.FDCritical),
			metrics.FileDescriptors})
	case metrics.FileDescriptors >= m.thresholds.FDWarning:
		alerts = append(alerts, ResourceAlert{AlertWarning, "fd",
			fmt.Sprintf("file descriptors at warning level: %d >= %d", metrics.FileDescriptors, m.thresholds.FDWarning),
			metrics.FileDescriptors})
	}

	switch {
	case metrics.CPUPercent >= m.thresholds.CPUCritical:
		alerts = append(alerts, ResourceAlert{AlertCritical, "cpu",
			fmt.Sprintf("CPU usage at critical level: %.1f%% >= %.1f%%", metrics.CPUPercent, m.thresholds.CPUCritical),
			metrics.CPUPercent})
	case metrics.CPUPercent >= m.thresholds.CPUWarning:
		alerts = append(alerts, ResourceAlert{AlertWarning, "cpu",
			fmt.Sprintf("CPU usage at warning level: %.1f%% >= %.1f%%", metrics.CPUPercent, m.thresholds.CPUWarning),
			metrics.CPUPercent})
	}

	switch {
	case metrics.MemoryBytes >= m.thresholds.MemoryCritical:
		alerts = append(alerts, ResourceAlert{AlertCritical, "memory",
			fmt.Sprintf("memory usage at critical level: %d bytes >= %d bytes", metrics.MemoryBytes, m.thresholds.MemoryCritical),
			metrics.MemoryBytes})
	case metrics.MemoryBytes >= m.thresholds.MemoryWarning:
		alerts = append(alerts, ResourceAlert{AlertWarning, "memory",
			fmt.Sprintf("memory usage at warning level: %d bytes >= %d bytes", metrics.MemoryBytes, m.thresholds.MemoryWarning),
			metrics.MemoryBytes})
	}

	return alerts
}

// Watch periodically samples pid and invokes alertCallback for threshold
// crossings, until ctx is cancelled or the process disappears.
func (m *ChildMonitor) Watch(ctx context.Context, pid int, interval time.Duration, alertCallback func([]ResourceAlert)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics, err := m.Sample(pid)
			if err != nil {
				if m.logger != nil {
					_, _ = fmt.Fprintf(m.logger, "lost pid %d: %v\n", pid, err)
				}
				return
			}
			if alerts := m.CheckThresholds(metrics); len(alerts) > 0 {
				if m.logger != nil {
					for _, a := range alerts {
						_, _ = fmt.Fprintf(m.logger, "[%s] pid %d: %s\n", a.Level, pid, a.Message)
					}
				}
				if alertCallback != nil {
					alertCallback(alerts)
				}
			}
		}
	}
}

// Cached returns the last sample collected for pid, or nil.
func (m *ChildMonitor) Cached(pid int) *ChildMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics[pid]
}

// Forget discards the cached sample for pid (called once the child is reaped).
func (m *ChildMonitor) Forget(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metrics, pid)
}

func (m *ChildMonitor) processStartTime(pid int) (time.Time, error) {
	// #nosec G304 -- reading from /proc, controlled path
	data, err := os.ReadFile(filepath.Join(m.procPath, strconv.Itoa(pid), "stat"))
	if err != nil {
		return time.Time{}, err
	}

	content := string(data)
	idx := strings.LastIndex(content, ")")
	if idx == -1 {
		return time.Time{}, fmt.Errorf("invalid stat format")
	}
	fields := strings.Fields(content[idx+1:])
	if len(fields) < 20 {
		return time.Time{}, fmt.Errorf("insufficient fields in stat")
	}

	startTicks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return time.Time{}, err
	}

	bootTime := systemBootTime(m.procPath)
	const ticksPerSecond = 100
	return bootTime.Add(time.Duration(startTicks/ticksPerSecond) * time.Second), nil
}

func parseThreadCount(stat string) int {
	idx := strings.LastIndex(stat, ")")
	if idx == -1 {
		return 0
	}
	fields := strings.Fields(stat[idx+1:])
	if len(fields) < 18 {
		return 0
	}
	threads, err := strconv.Atoi(fields[17])
	if err != nil {
		return 0
	}
	return threads
}

func parseMemoryBytes(statm string) int64 {
	fields := strings.Fields(statm)
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * int64(os.Getpagesize())
}

func systemBootTime(procPath string) time.Time {
	// #nosec G304 -- reading from /proc, controlled path
	data, err := os.ReadFile(filepath.Join(procPath, "stat"))
	if err != nil {
		return time.Now()
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "btime ") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if secs, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return time.Unix(secs, 0)
				}
			}
		}
	}
	return time.Now()
}

// FormatBytes formats a byte count as a human-readable string.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatBytesU64 formats an unsigned byte count, as produced by the
// host-wide network counters.
func FormatBytesU64(bytes uint64) string {
	return FormatBytes(int64(bytes))
}
