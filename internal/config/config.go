// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/relaycast/agent.yaml"

// Config represents the complete agent configuration: launch-immutable
// parameters plus the runtime-tunable snapshot (spec.md §4.1).
type Config struct {
	Launch   LaunchConfig   `yaml:"launch" koanf:"launch"`
	Tunables TunablesConfig `yaml:"tunables" koanf:"tunables"`
}

// LaunchConfig holds the parameters read once at process start: host
// identity, bus endpoint/credential, staging root, log destination.
// spec.md §6: "the agent takes four launch parameters: host id, bus host,
// bus port, bus credential" — StagingRoot and LogDir are ambient additions
// carried from the teacher's own launch-config surface.
type LaunchConfig struct {
	HostID      string `yaml:"host_id" koanf:"host_id"`
	BusHost     string `yaml:"bus_host" koanf:"bus_host"`
	BusPort     int    `yaml:"bus_port" koanf:"bus_port"`
	BusPassword string `yaml:"bus_password" koanf:"bus_password"`
	StagingRoot string `yaml:"staging_root" koanf:"staging_root"`
	LogDir      string `yaml:"log_dir" koanf:"log_dir"`
}

// TunablesConfig holds the runtime-tunable knobs (spec.md §4.1): pulled
// from the bus on demand (REFRESH_SETTINGS) and snapshotted atomically.
type TunablesConfig struct {
	EncoderMode string `yaml:"encoder_mode" koanf:"encoder_mode"` // "copy" or "reencode"
	Preset      string `yaml:"preset" koanf:"preset"`
	CRF         int    `yaml:"crf" koanf:"crf"`
	MaxRate     string `yaml:"maxrate" koanf:"maxrate"`
	ABR         string `yaml:"abr" koanf:"abr"`
	GOP         int    `yaml:"gop" koanf:"gop"`

	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" koanf:"graceful_shutdown_timeout"`
	ForceKillTimeout        time.Duration `yaml:"force_kill_timeout" koanf:"force_kill_timeout"`

	MaxFastRestarts    int           `yaml:"max_fast_restarts" koanf:"max_fast_restarts"`
	FastRestartDelay   time.Duration `yaml:"fast_restart_delay" koanf:"fast_restart_delay"`
	BackoffBase        time.Duration `yaml:"backoff_base" koanf:"backoff_base"`
	BackoffCap         time.Duration `yaml:"backoff_cap" koanf:"backoff_cap"`
	BackoffFactor      float64       `yaml:"backoff_factor" koanf:"backoff_factor"`
	SuccessResetWindow time.Duration `yaml:"success_reset_window" koanf:"success_reset_window"`

	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" koanf:"heartbeat_interval"`
	StatsReportInterval time.Duration `yaml:"stats_report_interval" koanf:"stats_report_interval"`

	CommandWorkerPoolSize int `yaml:"command_worker_pool_size" koanf:"command_worker_pool_size"`
	DownloadConcurrency   int `yaml:"download_concurrency" koanf:"download_concurrency"`
	DownloadRetries       int `yaml:"download_retries" koanf:"download_retries"`

	HealthAddr string `yaml:"health_addr" koanf:"health_addr"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to a YAML file atomically: marshal, write
// to a temp file in the same directory, fsync, chmod, rename. renameio
// provides the temp-file-then-rename primitive so a crash mid-write always
// leaves either the old file or the new one, never a partial write.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { // #nosec G301
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	t, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	defer func() { _ = t.Cleanup() }()

	if err := t.Chmod(0o640); err != nil { // #nosec G302 - config may hold the bus credential
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	if _, err := t.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if err := c.Launch.Validate(); err != nil {
		return fmt.Errorf("launch config: %w", err)
	}
	if err := c.Tunables.Validate(); err != nil {
		return fmt.Errorf("tunables: %w", err)
	}
	return nil
}

// Validate checks the launch-immutable parameters.
func (l *LaunchConfig) Validate() error {
	if l.HostID == "" {
		return fmt.Errorf("host_id cannot be empty")
	}
	if l.BusHost == "" {
		return fmt.Errorf("bus_host cannot be empty")
	}
	if l.BusPort <= 0 || l.BusPort > 65535 {
		return fmt.Errorf("bus_port must be between 1 and 65535")
	}
	if l.StagingRoot == "" {
		return fmt.Errorf("staging_root cannot be empty")
	}
	return nil
}

// Validate checks the runtime-tunable snapshot for invalid values.
func (t *TunablesConfig) Validate() error {
	switch t.EncoderMode {
	case "copy", "reencode":
	default:
		return fmt.Errorf("encoder_mode must be copy or reencode (got %q)", t.EncoderMode)
	}
	if t.MaxFastRestarts < 0 {
		return fmt.Errorf("max_fast_restarts must not be negative")
	}
	if t.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be >= 1")
	}
	if t.CommandWorkerPoolSize <= 0 {
		return fmt.Errorf("command_worker_pool_size must be positive")
	}
	if t.DownloadConcurrency <= 0 {
		return fmt.Errorf("download_concurrency must be positive")
	}
	return nil
}

// DefaultConfig returns a configuration with the defaults named throughout
// spec.md §4.1-§4.8.
func DefaultConfig() *Config {
	return &Config{
		Launch: LaunchConfig{
			BusPort:     6379,
			StagingRoot: "/tmp/relaycast_downloads",
			LogDir:      "/var/log/relaycast",
		},
		Tunables: TunablesConfig{
			EncoderMode: "copy",
			Preset:      "fast",
			CRF:         23,
			MaxRate:     "3000k",
			ABR:         "128k",
			GOP:         60,

			GracefulShutdownTimeout: 15 * time.Second,
			ForceKillTimeout:        10 * time.Second,

			MaxFastRestarts:    5,
			FastRestartDelay:   2 * time.Second,
			BackoffBase:        2 * time.Second,
			BackoffCap:         60 * time.Second,
			BackoffFactor:      2,
			SuccessResetWindow: 300 * time.Second,

			HeartbeatInterval:   5 * time.Second,
			StatsReportInterval: 15 * time.Second,

			CommandWorkerPoolSize: 10,
			DownloadConcurrency:   5,
			DownloadRetries:       3,

			HealthAddr: "127.0.0.1:9998",
		},
	}
}
