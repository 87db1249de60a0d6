// Package config loads server configuration: defaults, then an
// optional YAML file, then environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration consumed by the core.
type Config struct {
	Port        int    `yaml:"port"`
	MaxSessions int    `yaml:"max_sessions"`
	WorkDir     string `yaml:"work_dir"`

	ChunkMaxBytes   int  `yaml:"chunk_max_bytes"`
	FlushIntervalMs int  `yaml:"flush_interval_ms"`
	QueueDepth      int  `yaml:"queue_depth"`
	StripANSI       bool `yaml:"strip_ansi"`

	PermissionTimeoutSec int `yaml:"permission_timeout_sec"`
	DefaultDecision      int `yaml:"default_decision"`

	StartGraceSec int `yaml:"start_grace_sec"`
	KillGraceSec  int `yaml:"kill_grace_sec"`

	AuditPath string `yaml:"audit_path"`
	WatchDirs bool   `yaml:"watch_dirs"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:                 8420,
		MaxSessions:          10,
		WorkDir:              ".",
		ChunkMaxBytes:        3500,
		FlushIntervalMs:      200,
		QueueDepth:           64,
		StripANSI:            true,
		PermissionTimeoutSec: 300,
		DefaultDecision:      3, // Deny
		StartGraceSec:        10,
		KillGraceSec:         5,
		AuditPath:            "./clawbot_data/audit.jsonl",
		WatchDirs:            true,
	}
}

// Load builds the configuration. A missing file at path is not an
// error; an unreadable or malformed file is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Fall through to env overrides.
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if cfg.DefaultDecision < 1 || cfg.DefaultDecision > 3 {
		return cfg, fmt.Errorf("default_decision must be 1, 2 or 3, got %d", cfg.DefaultDecision)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	intVar(&c.Port, "PORT")
	intVar(&c.MaxSessions, "MAX_SESSIONS")
	strVar(&c.WorkDir, "WORK_DIR")
	intVar(&c.ChunkMaxBytes, "OUTPUT_MAX_CHARS")
	intVar(&c.FlushIntervalMs, "OUTPUT_FLUSH_MS")
	intVar(&c.QueueDepth, "OUTPUT_QUEUE_DEPTH")
	boolVar(&c.StripANSI, "STRIP_ANSI")
	intVar(&c.PermissionTimeoutSec, "PERMISSION_TIMEOUT_SEC")
	intVar(&c.DefaultDecision, "DEFAULT_DECISION")
	intVar(&c.StartGraceSec, "START_GRACE_SEC")
	intVar(&c.KillGraceSec, "KILL_GRACE_SEC")
	strVar(&c.AuditPath, "AUDIT_PATH")
	boolVar(&c.WatchDirs, "WATCH_DIRS")
}

func strVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func boolVar(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
