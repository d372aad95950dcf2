// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeTestYAML(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

const baseTestYAML = `
launch:
  host_id: host-1
  bus_host: redis.internal
  bus_port: 6379
  staging_root: /tmp/relaycast_downloads

tunables:
  encoder_mode: copy
  preset: fast
  crf: 23
  maxrate: 3000k
  abr: 128k
  gop: 60
  max_fast_restarts: 5
  backoff_base: 2s
  backoff_cap: 60s
  backoff_factor: 2
  heartbeat_interval: 5s
  stats_report_interval: 15s
  command_worker_pool_size: 10
  download_concurrency: 5
`

func TestKoanfConfig_LoadYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestYAML(t, tmpDir, baseTestYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Launch.HostID != "host-1" {
		t.Errorf("HostID = %q, want host-1", cfg.Launch.HostID)
	}
	if cfg.Tunables.EncoderMode != "copy" {
		t.Errorf("EncoderMode = %q, want copy", cfg.Tunables.EncoderMode)
	}
	if cfg.Tunables.BackoffCap != 60*time.Second {
		t.Errorf("BackoffCap = %v, want 60s", cfg.Tunables.BackoffCap)
	}
}

func TestKoanfConfig_LoadWithEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestYAML(t, tmpDir, baseTestYAML)

	t.Setenv("RELAYCAST_TUNABLES_CRF", "30")
	t.Setenv("RELAYCAST_TUNABLES_ENCODER_MODE", "reencode")

	kc, err := NewKoanfConfig(WithYAMLFile(configPath), WithEnvPrefix("RELAYCAST"))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tunables.CRF != 30 {
		t.Errorf("CRF = %d, want 30 (from env)", cfg.Tunables.CRF)
	}
	if cfg.Tunables.EncoderMode != "reencode" {
		t.Errorf("EncoderMode = %q, want reencode (from env)", cfg.Tunables.EncoderMode)
	}
	// Non-overridden value should still come from YAML.
	if cfg.Tunables.GOP != 60 {
		t.Errorf("GOP = %d, want 60 (from YAML)", cfg.Tunables.GOP)
	}
}

func TestKoanfConfig_LaunchEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestYAML(t, tmpDir, baseTestYAML)

	t.Setenv("RELAYCAST_LAUNCH_BUS_HOST", "redis.override")
	t.Setenv("RELAYCAST_LAUNCH_BUS_PORT", "6380")

	kc, err := NewKoanfConfig(WithYAMLFile(configPath), WithEnvPrefix("RELAYCAST"))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Launch.BusHost != "redis.override" {
		t.Errorf("BusHost = %q, want redis.override (from env)", cfg.Launch.BusHost)
	}
	if cfg.Launch.BusPort != 6380 {
		t.Errorf("BusPort = %d, want 6380 (from env)", cfg.Launch.BusPort)
	}
	if cfg.Launch.HostID != "host-1" {
		t.Errorf("HostID = %q, want host-1 (from YAML, not overridden)", cfg.Launch.HostID)
	}
}

func TestKoanfConfig_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestYAML(t, tmpDir, baseTestYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tunables.CRF != 23 {
		t.Fatalf("initial CRF = %d, want 23", cfg.Tunables.CRF)
	}

	updated := strings.Replace(baseTestYAML, "crf: 23", "crf: 28", 1)
	if err := os.WriteFile(configPath, []byte(updated), 0644); err != nil {
		t.Fatalf("failed to update test config: %v", err)
	}

	if err := kc.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cfg, err = kc.Load()
	if err != nil {
		t.Fatalf("Load after reload failed: %v", err)
	}
	if cfg.Tunables.CRF != 28 {
		t.Errorf("reloaded CRF = %d, want 28", cfg.Tunables.CRF)
	}
}

func TestKoanfConfig_ApplySettings(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestYAML(t, tmpDir, baseTestYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	err = kc.ApplySettings(map[string]interface{}{
		"tunables.max_fast_restarts": 8,
		"tunables.heartbeat_interval": "10s",
	})
	if err != nil {
		t.Fatalf("ApplySettings failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load after ApplySettings failed: %v", err)
	}
	if cfg.Tunables.MaxFastRestarts != 8 {
		t.Errorf("MaxFastRestarts = %d, want 8", cfg.Tunables.MaxFastRestarts)
	}
	if cfg.Tunables.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 10s", cfg.Tunables.HeartbeatInterval)
	}
	// Fields not named in the overlay survive untouched.
	if cfg.Tunables.CRF != 23 {
		t.Errorf("CRF = %d, want 23 (untouched by overlay)", cfg.Tunables.CRF)
	}
}

func TestKoanfConfig_ApplySettingsConcurrentWithReads(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestYAML(t, tmpDir, baseTestYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = kc.ApplySettings(map[string]interface{}{"tunables.crf": 20 + n%10})
		}(i)
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = kc.Load()
		}()
	}
	wg.Wait()
}

func TestKoanfConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestYAML(t, tmpDir, "launch:\n  host_id: [unterminated\n")

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		return // failing during construction also satisfies the expectation
	}

	_, err = kc.Load()
	if err == nil {
		t.Error("expected error loading invalid YAML, got nil")
	}
}

func TestKoanfConfig_MissingFile(t *testing.T) {
	_, err := NewKoanfConfig(WithYAMLFile("/nonexistent/config.yaml"))
	if err == nil {
		t.Error("expected error loading missing file, got nil")
	}
}

func TestKoanfConfig_GetMethods(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestYAML(t, tmpDir, baseTestYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	if got := kc.GetInt("tunables.crf"); got != 23 {
		t.Errorf("GetInt(tunables.crf) = %d, want 23", got)
	}
	if got := kc.GetString("tunables.encoder_mode"); got != "copy" {
		t.Errorf("GetString(tunables.encoder_mode) = %q, want copy", got)
	}
	if got := kc.GetDuration("tunables.backoff_base"); got != 2*time.Second {
		t.Errorf("GetDuration(tunables.backoff_base) = %v, want 2s", got)
	}
	if !kc.Exists("launch.host_id") {
		t.Error("Exists(launch.host_id) = false, want true")
	}
	if kc.Exists("nonexistent.key") {
		t.Error("Exists(nonexistent.key) = true, want false")
	}
}

func TestKoanfConfig_NoFile(t *testing.T) {
	t.Setenv("RELAYCAST_LAUNCH_HOST_ID", "host-env")
	t.Setenv("RELAYCAST_LAUNCH_BUS_HOST", "redis-env")
	t.Setenv("RELAYCAST_LAUNCH_BUS_PORT", "6379")
	t.Setenv("RELAYCAST_LAUNCH_STAGING_ROOT", "/tmp/x")
	t.Setenv("RELAYCAST_TUNABLES_ENCODER_MODE", "copy")
	t.Setenv("RELAYCAST_TUNABLES_MAX_FAST_RESTARTS", "5")
	t.Setenv("RELAYCAST_TUNABLES_BACKOFF_FACTOR", "2")
	t.Setenv("RELAYCAST_TUNABLES_COMMAND_WORKER_POOL_SIZE", "10")
	t.Setenv("RELAYCAST_TUNABLES_DOWNLOAD_CONCURRENCY", "5")

	kc, err := NewKoanfConfig(WithEnvPrefix("RELAYCAST"))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Launch.HostID != "host-env" {
		t.Errorf("HostID = %q, want host-env", cfg.Launch.HostID)
	}
}

func TestKoanfConfig_All(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestYAML(t, tmpDir, baseTestYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	all := kc.All()
	if all == nil {
		t.Fatal("All() returned nil")
	}
	if _, ok := all["tunables.crf"]; !ok {
		t.Error("All() should contain tunables.crf")
	}
	if _, ok := all["launch.host_id"]; !ok {
		t.Error("All() should contain launch.host_id")
	}
}

func TestKoanfConfig_WatchNoFile(t *testing.T) {
	kc, err := NewKoanfConfig(WithEnvPrefix("RELAYCAST"))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = kc.Watch(ctx, func(event string, watchErr error) {
		t.Error("callback should not be called when no file is set")
	})
	if err == nil {
		t.Error("Watch without file should return an error")
	}
	if err != nil && !strings.Contains(err.Error(), "no file path specified") {
		t.Errorf("expected error about no file path, got: %v", err)
	}
}

func TestKoanfConfig_Watch(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestYAML(t, tmpDir, baseTestYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	watchCalled := make(chan string, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = kc.Watch(ctx, func(event string, err error) {
			if err != nil {
				watchCalled <- "error: " + err.Error()
				return
			}
			watchCalled <- event
		})
	}()

	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(baseTestYAML, "crf: 23", "crf: 30", 1)
	if err := os.WriteFile(configPath, []byte(updated), 0644); err != nil {
		t.Fatalf("failed to update test config: %v", err)
	}

	select {
	case event := <-watchCalled:
		if event != "config reloaded" {
			t.Errorf("expected 'config reloaded', got %s", event)
		}
	case <-time.After(2 * time.Second):
		t.Error("watch callback not called within timeout")
	}
}

func TestKoanfConfig_WatchContextCancellation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestYAML(t, tmpDir, baseTestYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = kc.Watch(ctx, func(event string, err error) {})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Watch did not return when context was cancelled")
	}
}

// TestKoanfConfig_ConcurrentReloadAndRead exercises the mutex guarding the
// internal koanf instance swap; run with -race to catch regressions.
func TestKoanfConfig_ConcurrentReloadAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeTestYAML(t, tmpDir, baseTestYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	const numGoroutines = 10
	const numIterations = 50

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.Reload()
			}
		}()
	}
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.GetString("tunables.encoder_mode")
				_ = kc.GetInt("tunables.crf")
				_ = kc.GetBool("launch.host_id") // wrong type key, just exercising the path
				_ = kc.GetDuration("tunables.backoff_base")
				_ = kc.Exists("launch.host_id")
				_ = kc.All()
				_, _ = kc.Load()
			}
		}()
	}
	wg.Wait()
}
