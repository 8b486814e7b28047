// Package config loads engram's YAML configuration with sane defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable of an engram store.
type Config struct {
	// Root is the directory holding all tiers and indexes.
	Root string `yaml:"root"`
	// HotDB overrides the hot-tier SQLite path (default <root>/hot/engram.db).
	HotDB string `yaml:"hotDB"`
	// ArchiveDir overrides the cold-tier directory (default <root>/archive).
	ArchiveDir string `yaml:"archiveDir"`
	// AuditLog overrides the audit JSONL path (default <root>/audit/actions.jsonl).
	AuditLog string `yaml:"auditLog"`

	// KeepLastPerStream is the pruner's retention count per (lobe, key).
	KeepLastPerStream int `yaml:"keepLastPerStream"`
	// DefaultLobe receives memories written without an explicit lobe.
	DefaultLobe string `yaml:"defaultLobe"`

	ListenAddr string `yaml:"listenAddr"`
	LogLevel   string `yaml:"logLevel"`
}

// Default returns the configuration used when no file is present. The root
// honors the ENGRAM_ROOT environment variable.
func Default() Config {
	root := os.Getenv("ENGRAM_ROOT")
	if root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, ".engram")
		} else {
			root = ".engram"
		}
	}
	return Config{
		Root:              root,
		KeepLastPerStream: 50,
		DefaultLobe:       "chat",
		ListenAddr:        ":4261",
		LogLevel:          "info",
	}
}

// ForRoot returns the default configuration rooted at dir, with all derived
// paths filled in. Handy for tests and embedded use.
func ForRoot(dir string) Config {
	cfg := Default()
	cfg.Root = dir
	return cfg.withDerived()
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; unset fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg.withDerived(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Root == "" {
		cfg.Root = Default().Root
	}
	if cfg.KeepLastPerStream == 0 {
		cfg.KeepLastPerStream = 50
	}
	if cfg.DefaultLobe == "" {
		cfg.DefaultLobe = "chat"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":4261"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg.withDerived(), nil
}

func (c Config) withDerived() Config {
	if c.HotDB == "" {
		c.HotDB = filepath.Join(c.Root, "hot", "engram.db")
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = filepath.Join(c.Root, "archive")
	}
	if c.AuditLog == "" {
		c.AuditLog = filepath.Join(c.Root, "audit", "actions.jsonl")
	}
	return c
}
