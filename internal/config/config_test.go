package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.Size != 4 {
		t.Errorf("pool size = %d, want default 4", cfg.Pool.Size)
	}
	if cfg.Scheduler.TickInterval.Std() != 500*time.Millisecond {
		t.Errorf("tick interval = %v, want default 500ms", cfg.Scheduler.TickInterval.Std())
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	doc := `
home = "/var/lib/swarm"

[pool]
size = 8
default_capabilities = ["go", "review"]
heartbeat_timeout = "1m"

[scheduler]
tick_interval = "250ms"

[agent]
argv = ["agent-bin", "--stdio"]
timeout = "90s"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Home != "/var/lib/swarm" {
		t.Errorf("home = %q", cfg.Home)
	}
	if cfg.Pool.Size != 8 || len(cfg.Pool.DefaultCapabilities) != 2 {
		t.Errorf("pool = %+v", cfg.Pool)
	}
	if cfg.Pool.HeartbeatTimeout.Std() != time.Minute {
		t.Errorf("heartbeat timeout = %v", cfg.Pool.HeartbeatTimeout.Std())
	}
	if cfg.Scheduler.TickInterval.Std() != 250*time.Millisecond {
		t.Errorf("tick interval = %v", cfg.Scheduler.TickInterval.Std())
	}
	if cfg.Agent.Timeout.Std() != 90*time.Second {
		t.Errorf("agent timeout = %v", cfg.Agent.Timeout.Std())
	}
	// Unset sections still receive defaults.
	if cfg.Memory.MaxCacheEntries != 1024 {
		t.Errorf("cache entries = %d", cfg.Memory.MaxCacheEntries)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("pool = ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config accepted")
	}
}
