package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/fly-io/diskprov/pkg/provision"
)

// Backend names
const (
	BackendLinux     = "linux"
	BackendSimulated = "simulated"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Storage backend
	Backend string `mapstructure:"backend"`

	// S3 configuration for remote request documents
	S3Bucket    string `mapstructure:"s3-bucket"`
	S3Region    string `mapstructure:"s3-region"`
	S3Endpoint  string `mapstructure:"s3-endpoint"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// Job supervision and volume matching
	PollInterval  time.Duration `mapstructure:"poll-interval"`
	JobTimeout    time.Duration `mapstructure:"job-timeout"`
	MatchAttempts int           `mapstructure:"match-attempts"`
	MatchDelay    time.Duration `mapstructure:"match-delay"`
	Alignment     uint64        `mapstructure:"alignment"`
	MaxPartitions int           `mapstructure:"max-partitions"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	// Observability
	MetricsTextfile string `mapstructure:"metrics-textfile"`
	LogLevel        string `mapstructure:"log-level"`
	LogFormat       string `mapstructure:"log-format"`
	LogFile         string `mapstructure:"log-file"`
	LogMaxSizeMB    int    `mapstructure:"log-max-size-mb"`
	LogMaxBackups   int    `mapstructure:"log-max-backups"`
	LogMaxAgeDays   int    `mapstructure:"log-max-age-days"`

	// Simulated backend
	SimDisks          []string `mapstructure:"sim-disks"`
	SimEnumerationLag int      `mapstructure:"sim-enumeration-lag"`
}

// Load reads configuration from .env, environment, config file, and defaults
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/runs.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm")
	viper.SetDefault("backend", BackendLinux)
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-endpoint", "")
	viper.SetDefault("s3-anonymous", true)
	viper.SetDefault("poll-interval", 500*time.Millisecond)
	viper.SetDefault("job-timeout", 10*time.Minute)
	viper.SetDefault("match-attempts", provision.DefaultMatchAttempts)
	viper.SetDefault("match-delay", provision.DefaultMatchDelay)
	viper.SetDefault("alignment", provision.DefaultAlignment)
	viper.SetDefault("max-partitions", 128)
	viper.SetDefault("fsm-max-retries", 3)
	viper.SetDefault("metrics-textfile", "")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "text")
	viper.SetDefault("log-file", "")
	viper.SetDefault("log-max-size-mb", 50)
	viper.SetDefault("log-max-backups", 3)
	viper.SetDefault("log-max-age-days", 28)
	viper.SetDefault("sim-disks", []string{})
	viper.SetDefault("sim-enumeration-lag", 0)

	// Environment variables (will be DISKPROV_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("DISKPROV")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.diskprov")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.Backend != BackendLinux && c.Backend != BackendSimulated {
		return fmt.Errorf("backend must be %q or %q, got %q", BackendLinux, BackendSimulated, c.Backend)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("job-timeout must be non-negative")
	}
	if c.MatchAttempts < 1 {
		return fmt.Errorf("match-attempts must be at least 1")
	}
	if c.MatchDelay < 0 {
		return fmt.Errorf("match-delay must be non-negative")
	}
	if c.Alignment == 0 || c.Alignment%512 != 0 {
		return fmt.Errorf("alignment must be a positive multiple of 512")
	}
	if c.MaxPartitions < 1 {
		return fmt.Errorf("max-partitions must be at least 1")
	}
	if c.FSMMaxRetries < 1 {
		return fmt.Errorf("fsm-max-retries must be at least 1")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be debug, info, warn or error")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log-format must be text or json")
	}
	if c.SimEnumerationLag < 0 {
		return fmt.Errorf("sim-enumeration-lag must be non-negative")
	}
	return nil
}

// Provision returns the orchestrator settings.
func (c *Config) Provision() provision.Config {
	return provision.Config{
		PollInterval:  c.PollInterval,
		JobTimeout:    c.JobTimeout,
		MatchAttempts: c.MatchAttempts,
		MatchDelay:    c.MatchDelay,
		Alignment:     c.Alignment,
		MaxPartitions: c.MaxPartitions,
	}
}
