package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds all resolved swarm state file paths.
type Paths struct {
	Home       string // ~/.swarm or SWARM_HOME
	ConfigPath string // config.toml
	SpoolDir   string // task intake directory
	MemoryDir  string // durable memory documents
	RuntimeDB  string // events + task archive database
}

// ResolvePaths returns all swarm paths. SWARM_HOME overrides the base
// directory; everything else hangs off it.
func ResolvePaths() (*Paths, error) {
	home := os.Getenv("SWARM_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".swarm")
	}

	return &Paths{
		Home:       home,
		ConfigPath: filepath.Join(home, "config.toml"),
		SpoolDir:   filepath.Join(home, "spool"),
		MemoryDir:  filepath.Join(home, "memory"),
		RuntimeDB:  filepath.Join(home, "runtime.db"),
	}, nil
}

// EnsureDirs creates the state directories if missing.
func (p *Paths) EnsureDirs() error {
	for _, dir := range []string{p.Home, p.SpoolDir, p.MemoryDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
