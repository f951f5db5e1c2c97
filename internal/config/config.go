package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// AWS configuration
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	InstanceType string `mapstructure:"instance-type"`
	AssetSuffix  string `mapstructure:"asset-suffix"`

	// Polling and reporting
	ImportPollInterval   time.Duration `mapstructure:"import-poll-interval"`
	InstancePollInterval time.Duration `mapstructure:"instance-poll-interval"`
	ReportInterval       time.Duration `mapstructure:"report-interval"`

	// Deadlines, 0 waits forever
	ImportTimeout time.Duration `mapstructure:"import-timeout"`
	LaunchTimeout time.Duration `mapstructure:"launch-timeout"`

	// Limits, 0 means unbounded
	MaxConcurrency     int `mapstructure:"max-concurrency"`
	MaxAssetsPerImport int `mapstructure:"max-assets-per-import"`

	MetricsAddr string `mapstructure:"metrics-addr"`
	FailOnError bool   `mapstructure:"fail-on-error"`
	LogLevel    string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return load(viper.GetViper())
}

func load(v *viper.Viper) (*Config, error) {
	// Set defaults
	v.SetDefault("sqlite-path", ".artifacts/vmimport.db")
	v.SetDefault("fsm-db-path", ".artifacts/fsm")
	v.SetDefault("bucket", "")
	v.SetDefault("region", "us-east-1")
	v.SetDefault("instance-type", "")
	v.SetDefault("asset-suffix", ".vmdk")
	v.SetDefault("import-poll-interval", 15*time.Second)
	v.SetDefault("instance-poll-interval", 15*time.Second)
	v.SetDefault("report-interval", 300*time.Second)
	v.SetDefault("import-timeout", time.Duration(0))
	v.SetDefault("launch-timeout", time.Duration(0))
	v.SetDefault("max-concurrency", 0)
	v.SetDefault("max-assets-per-import", 0)
	v.SetDefault("metrics-addr", "")
	v.SetDefault("fail-on-error", false)
	v.SetDefault("log-level", "info")

	// Environment variables (will be VMIMPORT_BUCKET, etc.)
	v.SetEnvPrefix("VMIMPORT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.vmimport")

	// Read config file (ignore if not found)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
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
	if c.Region == "" {
		return fmt.Errorf("region cannot be empty")
	}
	if !strings.HasPrefix(c.AssetSuffix, ".") {
		return fmt.Errorf("asset-suffix must start with a dot")
	}
	if c.ImportPollInterval <= 0 {
		return fmt.Errorf("import-poll-interval must be positive")
	}
	if c.InstancePollInterval <= 0 {
		return fmt.Errorf("instance-poll-interval must be positive")
	}
	if c.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be positive")
	}
	if c.ImportTimeout < 0 || c.LaunchTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max-concurrency must be non-negative")
	}
	if c.MaxAssetsPerImport < 0 {
		return fmt.Errorf("max-assets-per-import must be non-negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be one of debug, info, warn, error")
	}
	return nil
}
