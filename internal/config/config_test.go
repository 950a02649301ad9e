package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadClean(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	// Keep stray config.yaml and .env files out of the test.
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadClean(t)

	assert.Equal(t, BackendLinux, cfg.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.JobTimeout)
	assert.Equal(t, uint64(1<<20), cfg.Alignment)
	assert.True(t, cfg.S3Anonymous)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("DISKPROV_BACKEND", "simulated")
	t.Setenv("DISKPROV_POLL_INTERVAL", "50ms")
	t.Setenv("DISKPROV_MATCH_ATTEMPTS", "9")
	t.Setenv("DISKPROV_SIM_DISKS", "1:10G,2:1G:gpt")
	cfg := loadClean(t)

	assert.Equal(t, BackendSimulated, cfg.Backend)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 9, cfg.MatchAttempts)
	assert.Equal(t, []string{"1:10G", "2:1G:gpt"}, cfg.SimDisks)

	pc := cfg.Provision()
	assert.Equal(t, 9, pc.MatchAttempts)
	assert.Equal(t, 50*time.Millisecond, pc.PollInterval)
}

func TestLoad_DotEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DISKPROV_LOG_LEVEL=debug\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("DISKPROV_LOG_LEVEL") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	base := loadClean(t)

	tests := map[string]func(c *Config){
		"empty sqlite path": func(c *Config) { c.SQLitePath = "" },
		"unknown backend":   func(c *Config) { c.Backend = "wmi" },
		"zero poll":         func(c *Config) { c.PollInterval = 0 },
		"no match attempts": func(c *Config) { c.MatchAttempts = 0 },
		"odd alignment":     func(c *Config) { c.Alignment = 1000 },
		"bad log level":     func(c *Config) { c.LogLevel = "loud" },
		"bad log format":    func(c *Config) { c.LogFormat = "xml" },
		"negative lag":      func(c *Config) { c.SimEnumerationLag = -1 },
		"no fsm retries":    func(c *Config) { c.FSMMaxRetries = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
