package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "SYNCD"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "syncd.db"
	defaultLogLevel     = "info"
)

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFilePath        string
	UpstreamBaseURL    string
	UpstreamTimeout    time.Duration
	BatchSize          int
	MaxRetryAttempts   int
	RetryInitialDelay  time.Duration
	RetryMultiplier    float64
	RetryMaxDelay      time.Duration
	DrainInterval      time.Duration
	CleanupInterval    time.Duration
	CompletedRetention time.Duration
	ConflictRetention  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("upstream.base_url", "http://localhost:9090")
	configViper.SetDefault("upstream.timeout", "15s")
	configViper.SetDefault("sync.batch_size", 100)
	configViper.SetDefault("sync.drain_interval", "5s")
	configViper.SetDefault("retry.max_attempts", 3)
	configViper.SetDefault("retry.initial_delay", "1s")
	configViper.SetDefault("retry.multiplier", 2.0)
	configViper.SetDefault("retry.max_delay", "10s")
	configViper.SetDefault("cleanup.interval", "1h")
	configViper.SetDefault("cleanup.completed_retention", "168h")
	configViper.SetDefault("cleanup.conflict_retention", "720h")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFilePath:        configViper.GetString("log.file"),
		UpstreamBaseURL:    configViper.GetString("upstream.base_url"),
		UpstreamTimeout:    configViper.GetDuration("upstream.timeout"),
		BatchSize:          configViper.GetInt("sync.batch_size"),
		MaxRetryAttempts:   configViper.GetInt("retry.max_attempts"),
		RetryInitialDelay:  configViper.GetDuration("retry.initial_delay"),
		RetryMultiplier:    configViper.GetFloat64("retry.multiplier"),
		RetryMaxDelay:      configViper.GetDuration("retry.max_delay"),
		DrainInterval:      configViper.GetDuration("sync.drain_interval"),
		CleanupInterval:    configViper.GetDuration("cleanup.interval"),
		CompletedRetention: configViper.GetDuration("cleanup.completed_retention"),
		ConflictRetention:  configViper.GetDuration("cleanup.conflict_retention"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.RetryMultiplier <= 1 {
		return fmt.Errorf("retry.multiplier must exceed 1")
	}
	if strings.TrimSpace(c.UpstreamBaseURL) == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	return nil
}
