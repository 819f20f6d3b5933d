// Package config loads the swarm configuration from a TOML file once at
// startup. Every field has a working default, so a missing file yields a
// usable configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full daemon configuration, as persisted in config.toml.
type Config struct {
	// Home is the swarm state directory. Defaults to ~/.swarm.
	Home string `toml:"home"`

	Pool struct {
		Size                int      `toml:"size"`
		DefaultCapabilities []string `toml:"default_capabilities"`
		FailureThreshold    int      `toml:"failure_threshold"`
		HeartbeatTimeout    duration `toml:"heartbeat_timeout"`
	} `toml:"pool"`

	Scheduler struct {
		TickInterval     duration `toml:"tick_interval"`
		DetectInterval   duration `toml:"detect_interval"`
		Retention        duration `toml:"retention"`
		RetryBackoffBase duration `toml:"retry_backoff_base"`
	} `toml:"scheduler"`

	Memory struct {
		MaxCacheEntries int      `toml:"max_cache_entries"`
		MaxCacheBytes   int      `toml:"max_cache_bytes"`
		MaxContentBytes int      `toml:"max_content_bytes"`
		TTLSweep        duration `toml:"ttl_sweep"`
	} `toml:"memory"`

	Agent struct {
		// Argv is the command launched for each task when a task carries no
		// argv of its own. The task goal is passed via SWARM_GOAL.
		Argv      []string `toml:"argv"`
		Timeout   duration `toml:"timeout"`
		KillGrace duration `toml:"kill_grace"`
		MaxOutput int      `toml:"max_output"`
	} `toml:"agent"`
}

// duration wraps time.Duration for TOML strings like "30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Load reads the configuration at path. A missing file returns defaults; a
// malformed file is an error.
func Load(path string) (Config, error) {
	cfg := withDefaults(Config{})

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return withDefaults(cfg), nil
}

// DefaultPath returns ~/.swarm/config.toml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".swarm", "config.toml")
	}
	return filepath.Join(home, ".swarm", "config.toml")
}

func withDefaults(cfg Config) Config {
	if cfg.Home == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Home = filepath.Join(home, ".swarm")
		} else {
			cfg.Home = ".swarm"
		}
	}
	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = 4
	}
	if cfg.Pool.FailureThreshold == 0 {
		cfg.Pool.FailureThreshold = 3
	}
	if cfg.Pool.HeartbeatTimeout == 0 {
		cfg.Pool.HeartbeatTimeout = duration(30 * time.Second)
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = duration(500 * time.Millisecond)
	}
	if cfg.Scheduler.DetectInterval == 0 {
		cfg.Scheduler.DetectInterval = duration(30 * time.Second)
	}
	if cfg.Scheduler.Retention == 0 {
		cfg.Scheduler.Retention = duration(10 * time.Minute)
	}
	if cfg.Scheduler.RetryBackoffBase == 0 {
		cfg.Scheduler.RetryBackoffBase = duration(time.Second)
	}
	if cfg.Memory.MaxCacheEntries == 0 {
		cfg.Memory.MaxCacheEntries = 1024
	}
	if cfg.Memory.MaxCacheBytes == 0 {
		cfg.Memory.MaxCacheBytes = 16 << 20
	}
	if cfg.Memory.MaxContentBytes == 0 {
		cfg.Memory.MaxContentBytes = 256 << 10
	}
	if cfg.Memory.TTLSweep == 0 {
		cfg.Memory.TTLSweep = duration(time.Minute)
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = duration(5 * time.Minute)
	}
	if cfg.Agent.KillGrace == 0 {
		cfg.Agent.KillGrace = duration(3 * time.Second)
	}
	if cfg.Agent.MaxOutput == 0 {
		cfg.Agent.MaxOutput = 1 << 20
	}
	return cfg
}
