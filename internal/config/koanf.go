// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "go.yaml.in/yaml/v3"
)

// KoanfConfig layers configuration sources with the following precedence
// (highest to lowest): REFRESH_SETTINGS confmap overlay (applied via
// ApplySettings) > environment variables (RELAYCAST_*) > YAML file > built-in
// defaults.
type KoanfConfig struct {
	k         *koanf.Koanf
	mu        sync.RWMutex
	filePath  string
	envPrefix string
}

// Option configures a KoanfConfig.
type Option func(*KoanfConfig) error

// WithYAMLFile sets the YAML configuration file path.
func WithYAMLFile(path string) Option {
	return func(kc *KoanfConfig) error {
		kc.filePath = path
		return nil
	}
}

// WithEnvPrefix sets the environment variable prefix (default: "RELAYCAST").
func WithEnvPrefix(prefix string) Option {
	return func(kc *KoanfConfig) error {
		kc.envPrefix = prefix
		return nil
	}
}

// NewKoanfConfig creates a new koanf-based configuration loader.
func NewKoanfConfig(opts ...Option) (*KoanfConfig, error) {
	kc := &KoanfConfig{
		k:         koanf.New("."),
		envPrefix: "RELAYCAST",
	}

	for _, opt := range opts {
		if err := opt(kc); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := kc.reload(); err != nil {
		return nil, err
	}

	return kc, nil
}

// Load unmarshals the configuration into a Config struct.
func (kc *KoanfConfig) Load() (*Config, error) {
	var cfg Config

	kc.mu.RLock()
	k := kc.k
	kc.mu.RUnlock()

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Reload reloads configuration from the file and environment sources.
func (kc *KoanfConfig) Reload() error {
	return kc.reload()
}

// ApplySettings overlays a flat settings map — as delivered by
// REFRESH_SETTINGS from the bus-backed settings store (spec.md §4.6) — onto
// the current snapshot using koanf's confmap provider, then atomically
// swaps the result in. Keys use the same dotted path as the YAML/env layers
// (e.g. "tunables.max_fast_restarts").
func (kc *KoanfConfig) ApplySettings(settings map[string]interface{}) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	next := kc.k.Copy()
	if err := next.Load(confmap.Provider(settings, "."), nil); err != nil {
		return fmt.Errorf("failed to apply settings overlay: %w", err)
	}
	kc.k = next
	return nil
}

// reload is the internal reload implementation: builds a fresh koanf
// instance from defaults + YAML + env and atomically swaps it in, so readers never
// observe a torn intermediate state.
func (kc *KoanfConfig) reload() error {
	newK := koanf.New(".")

	// Built-in defaults (DefaultConfig) form the lowest layer.
	raw, err := yamlv3.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	defaults, err := yaml.Parser().Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("failed to parse defaults: %w", err)
	}
	if err := newK.Load(confmap.Provider(defaults, ""), nil); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}

	if kc.filePath != "" {
		if err := newK.Load(file.Provider(kc.filePath), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to load YAML file: %w", err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: kc.envPrefix + "_",
		TransformFunc: func(k, v string) (string, any) {
			k = strings.TrimPrefix(k, kc.envPrefix+"_")
			k = strings.ToLower(k)

			for _, top := range []string{"launch_", "tunables_"} {
				if strings.HasPrefix(k, top) {
					rest := strings.TrimPrefix(k, top)
					return strings.TrimSuffix(top, "_") + "." + rest, v
				}
			}
			return strings.ReplaceAll(k, "_", "."), v
		},
	})

	if err := newK.Load(envProvider, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	kc.mu.Lock()
	kc.k = newK
	kc.mu.Unlock()

	return nil
}

// Watch starts watching the configuration file for changes and invokes
// callback on each reload attempt.
//
// Known limitation: the underlying koanf file.Provider spawns an fsnotify
// goroutine internally; koanf v2 does not expose a Stop() on file.Provider,
// so that goroutine outlives ctx cancellation and is collected only at
// process exit. Prefer REFRESH_SETTINGS / manual Reload() for a clean
// shutdown path.
func (kc *KoanfConfig) Watch(ctx context.Context, callback func(event string, err error)) error {
	if kc.filePath == "" {
		return fmt.Errorf("cannot watch: no file path specified")
	}

	fp := file.Provider(kc.filePath)

	watchErr := fp.Watch(func(event interface{}, err error) {
		if err != nil {
			callback("watch error", fmt.Errorf("file watch error: %w", err))
			return
		}
		if err := kc.reload(); err != nil {
			callback("reload error", fmt.Errorf("config reload failed: %w", err))
			return
		}
		callback("config reloaded", nil)
	})

	if watchErr != nil {
		return fmt.Errorf("failed to start watching: %w", watchErr)
	}

	<-ctx.Done()
	return nil
}

// GetString retrieves a string value from configuration.
func (kc *KoanfConfig) GetString(key string) string {
	kc.mu.RLock()
	k := kc.k
	kc.mu.RUnlock()
	return k.String(key)
}

// GetInt retrieves an integer value from configuration.
func (kc *KoanfConfig) GetInt(key string) int {
	kc.mu.RLock()
	k := kc.k
	kc.mu.RUnlock()
	return k.Int(key)
}

// GetBool retrieves a boolean value from configuration.
func (kc *KoanfConfig) GetBool(key string) bool {
	kc.mu.RLock()
	k := kc.k
	kc.mu.RUnlock()
	return k.Bool(key)
}

// GetDuration retrieves a duration value from configuration.
func (kc *KoanfConfig) GetDuration(key string) time.Duration {
	kc.mu.RLock()
	k := kc.k
	kc.mu.RUnlock()
	return k.Duration(key)
}

// Exists checks if a configuration key exists.
func (kc *KoanfConfig) Exists(key string) bool {
	kc.mu.RLock()
	k := kc.k
	kc.mu.RUnlock()
	return k.Exists(key)
}

// All returns the entire configuration as a map.
func (kc *KoanfConfig) All() map[string]interface{} {
	kc.mu.RLock()
	k := kc.k
	kc.mu.RUnlock()
	return k.All()
}
