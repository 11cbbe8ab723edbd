package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Contains(t, cfg.DBPath, "conduit.db")
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Empty(t, cfg.DefsPath)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CONDUIT_DB_PATH", "/tmp/custom.db")
	t.Setenv("CONDUIT_DEFS_PATH", "/tmp/defs")
	t.Setenv("CONDUIT_LOG_LEVEL", "debug")
	t.Setenv("CONDUIT_POOL_SIZE", "4")
	t.Setenv("CONDUIT_RUN_TIMEOUT", "90s")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, "/tmp/defs", cfg.DefsPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 90*time.Second, cfg.runTimeout())
}

func TestLoadConfig_InvalidPoolSizeIgnored(t *testing.T) {
	t.Setenv("CONDUIT_POOL_SIZE", "lots")
	cfg := loadConfig()
	assert.Equal(t, 10, cfg.PoolSize)
}

func TestRunTimeout_Parsing(t *testing.T) {
	assert.Equal(t, time.Duration(0), Config{}.runTimeout())
	assert.Equal(t, time.Duration(0), Config{RunTimeout: "soon"}.runTimeout())
	assert.Equal(t, 2*time.Minute, Config{RunTimeout: "2m"}.runTimeout())
}
