package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all conduit server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath     string `json:"db_path"`
	DefsPath   string `json:"defs_path"`
	LogLevel   string `json:"log_level"`
	PoolSize   int    `json:"pool_size"`
	RunTimeout string `json:"run_timeout"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(conduitDir(), "conduit.db"),
		LogLevel: "info",
		PoolSize: 10,
	}
}

func conduitDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conduit"
	}
	return filepath.Join(home, ".conduit")
}

func settingsPath() string {
	return filepath.Join(conduitDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONDUIT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONDUIT_DEFS_PATH"); v != "" {
		cfg.DefsPath = v
	}
	if v := os.Getenv("CONDUIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONDUIT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CONDUIT_RUN_TIMEOUT"); v != "" {
		cfg.RunTimeout = v
	}

	return cfg
}

// runTimeout parses the configured run timeout; zero means no engine-side
// deadline.
func (c Config) runTimeout() time.Duration {
	if c.RunTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.RunTimeout)
	if err != nil {
		return 0
	}
	return d
}
