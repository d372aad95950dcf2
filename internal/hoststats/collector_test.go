// SPDX-License-Identifier: MIT

package hoststats

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFakeStat(t *testing.T, root string, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, "stat"), []byte(content), 0o644); err != nil {
		t.Fatalf("write stat: %v", err)
	}
}

func writeFakeMeminfo(t *testing.T, root string, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, "meminfo"), []byte(content), 0o644); err != nil {
		t.Fatalf("write meminfo: %v", err)
	}
}

func writeFakeNetDev(t *testing.T, root string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "net"), 0o755); err != nil {
		t.Fatalf("mkdir net: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "net", "dev"), []byte(content), 0o644); err != nil {
		t.Fatalf("write net/dev: %v", err)
	}
}

func TestCollectorSampleMemory(t *testing.T) {
	root := t.TempDir()
	writeFakeMeminfo(t, root, "MemTotal:       1000000 kB\nMemAvailable:    250000 kB\n")
	writeFakeStat(t, root, "cpu  0 0 0 0 0 0 0 0 0 0\n")
	writeFakeNetDev(t, root, "Inter-|   Receive\n face |bytes packets\n  lo: 100 1 0 0 0 0 0 0 100 1 0 0 0 0 0 0\n")

	c := NewCollector(t.TempDir(), WithHostProcPath(root))
	snap := c.Sample(2)

	if snap.RAMPercent != 75 {
		t.Errorf("RAMPercent = %.1f, want 75", snap.RAMPercent)
	}
	if snap.ActiveStreams != 2 {
		t.Errorf("ActiveStreams = %d, want 2", snap.ActiveStreams)
	}
}

func TestCollectorSampleDisk(t *testing.T) {
	root := t.TempDir()
	writeFakeMeminfo(t, root, "MemTotal:       1000000 kB\nMemAvailable:    500000 kB\n")
	writeFakeStat(t, root, "cpu  0 0 0 0 0 0 0 0 0 0\n")
	writeFakeNetDev(t, root, "")

	staging := t.TempDir()
	c := NewCollector(staging, WithHostProcPath(root))
	snap := c.Sample(0)

	if snap.DiskPercent < 0 || snap.DiskPercent > 100 {
		t.Errorf("DiskPercent = %.1f, want in [0,100]", snap.DiskPercent)
	}
}

func TestCollectorCPUDelta(t *testing.T) {
	root := t.TempDir()
	writeFakeMeminfo(t, root, "MemTotal:       1000000 kB\nMemAvailable:    500000 kB\n")
	writeFakeNetDev(t, root, "")
	staging := t.TempDir()

	c := NewCollector(staging, WithHostProcPath(root))

	writeFakeStat(t, root, "cpu  100 0 0 900 0 0 0 0 0 0\n")
	first := c.Sample(0)
	if first.CPUPercent != 0 {
		t.Errorf("first sample CPUPercent = %.1f, want 0 (no prior baseline)", first.CPUPercent)
	}

	c.hasCache = false // force a second real sample instead of the 5s cache
	writeFakeStat(t, root, "cpu  200 0 0 1800 0 0 0 0 0 0\n")
	second := c.Sample(0)
	if second.CPUPercent <= 0 {
		t.Errorf("second sample CPUPercent = %.1f, want > 0", second.CPUPercent)
	}
}

func TestCollectorCachesWithinInterval(t *testing.T) {
	root := t.TempDir()
	writeFakeMeminfo(t, root, "MemTotal:       1000000 kB\nMemAvailable:    500000 kB\n")
	writeFakeStat(t, root, "cpu  0 0 0 0 0 0 0 0 0 0\n")
	writeFakeNetDev(t, root, "")
	staging := t.TempDir()

	c := NewCollector(staging, WithHostProcPath(root))
	first := c.Sample(1)
	second := c.Sample(5)

	if second.Timestamp != first.Timestamp {
		t.Error("expected cached snapshot to reuse the first sample's timestamp")
	}
	if second.ActiveStreams != 5 {
		t.Errorf("ActiveStreams = %d, want 5 (overridden even when cached)", second.ActiveStreams)
	}
}

func TestSnapshotString(t *testing.T) {
	root := t.TempDir()
	writeFakeMeminfo(t, root, "MemTotal:       1000000 kB\nMemAvailable:    500000 kB\n")
	writeFakeStat(t, root, "cpu  0 0 0 0 0 0 0 0 0 0\n")
	writeFakeNetDev(t, root, "")
	staging := t.TempDir()

	c := NewCollector(staging, WithHostProcPath(root))
	snap := c.Sample(3)
	s := SnapshotString(snap)
	if s == "" {
		t.Error("expected non-empty snapshot string")
	}
}
