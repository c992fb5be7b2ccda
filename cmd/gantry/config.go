package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gantryhq/gantry/internal/engine"
)

// Config holds all gantry configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	EventLogPath  string `json:"event_log_path"`
	LogLevel      string `json:"log_level"`
	ApprovalTTL   int    `json:"approval_ttl_hours"`
	ApproverRole  string `json:"default_approver_role"`
	TickInterval  int    `json:"tick_interval_ms"`
	MaxParallel   int    `json:"max_parallel"`
	MaxRetries    int    `json:"max_retries"`
	BackoffBaseMS int    `json:"backoff_base_ms"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(gantryDir(), "gantry.db"),
		EventLogPath: filepath.Join(gantryDir(), "events.ndjson"),
		LogLevel:     "info",
		ApprovalTTL:  72,
		ApproverRole: "operator",
		TickInterval: 60_000,
		MaxParallel:  4,
		MaxRetries:   engine.DefaultMaxRetries,
	}
}

func gantryDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gantry"
	}
	return filepath.Join(home, ".gantry")
}

func settingsPath() string {
	return filepath.Join(gantryDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("GANTRY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GANTRY_EVENT_LOG_PATH"); v != "" {
		cfg.EventLogPath = v
	}
	if v := os.Getenv("GANTRY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GANTRY_APPROVAL_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ApprovalTTL = n
		}
	}
	if v := os.Getenv("GANTRY_DEFAULT_APPROVER_ROLE"); v != "" {
		cfg.ApproverRole = v
	}
	if v := os.Getenv("GANTRY_TICK_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TickInterval = n
		}
	}
	if v := os.Getenv("GANTRY_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxParallel = n
		}
	}
	if v := os.Getenv("GANTRY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("GANTRY_BACKOFF_BASE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.BackoffBaseMS = n
		}
	}

	return cfg
}

func (c Config) approvalTTL() time.Duration {
	return time.Duration(c.ApprovalTTL) * time.Hour
}

func (c Config) tickInterval() time.Duration {
	return time.Duration(c.TickInterval) * time.Millisecond
}
