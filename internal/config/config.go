package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"kiaansync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Remote     RemoteConfig     `yaml:"remote"`
	Sync       SyncConfig       `yaml:"sync"`
	Cache      CacheConfig      `yaml:"cache"`
	Status     StatusConfig     `yaml:"status"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// RemoteConfig describes the remote API queued operations replay against.
type RemoteConfig struct {
	BaseURL               string  `yaml:"base_url"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	RateLimitRPS          float64 `yaml:"rate_limit_rps"`
	RateLimitBurst        int     `yaml:"rate_limit_burst"`
}

type SyncConfig struct {
	Profile          string  `yaml:"profile"`
	MaxRetries       int     `yaml:"max_retries"`
	BackoffInitialMs int     `yaml:"backoff_initial_ms"`
	BackoffMaxMs     int     `yaml:"backoff_max_ms"`
	BackoffFactor    float64 `yaml:"backoff_factor"`
}

type CacheConfig struct {
	DefaultTTLHours        int `yaml:"default_ttl_hours"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
}

type StatusConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Load reads the YAML config at path, expanding ${VAR} references from the
// environment (a .env file is honored when present).
func Load(configPath string) (*Config, error) {
	// Optional .env, same convention as the deployment scripts expect.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	switch c.Sync.Profile {
	case models.ProfileWeb:
		if c.Remote.BaseURL == "" {
			return errors.New("remote base_url is required for the web profile")
		}
	case models.ProfileMobile:
		// Replay handlers are injected by the host; no base URL needed.
	default:
		return fmt.Errorf("unknown sync profile: %s", c.Sync.Profile)
	}

	if c.Sync.MaxRetries < 1 {
		return errors.New("sync max_retries must be at least 1")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "kiaan-sync"
	}
	if c.Sync.Profile == "" {
		c.Sync.Profile = models.ProfileWeb
	}
	if c.Sync.MaxRetries == 0 {
		switch c.Sync.Profile {
		case models.ProfileMobile:
			c.Sync.MaxRetries = models.DefaultMaxRetriesMobile
		default:
			c.Sync.MaxRetries = models.DefaultMaxRetriesWeb
		}
	}
	if c.Sync.BackoffInitialMs == 0 {
		c.Sync.BackoffInitialMs = 2000
	}
	if c.Sync.BackoffMaxMs == 0 {
		c.Sync.BackoffMaxMs = 60000
	}
	if c.Sync.BackoffFactor == 0 {
		c.Sync.BackoffFactor = 2
	}
	if c.Remote.RequestTimeoutSeconds == 0 {
		c.Remote.RequestTimeoutSeconds = int(models.DefaultRequestTimeout / time.Second)
	}
	if c.Cache.DefaultTTLHours == 0 {
		c.Cache.DefaultTTLHours = int(models.DefaultCacheTTL / time.Hour)
	}
	if c.Cache.CleanupIntervalMinutes == 0 {
		c.Cache.CleanupIntervalMinutes = int(models.DefaultCleanupInterval / time.Minute)
	}
	if c.Status.Enabled && c.Status.Port == 0 {
		c.Status.Port = 8080
	}
}

// RequestTimeout returns the per-request replay timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Remote.RequestTimeoutSeconds) * time.Second
}

// DefaultCacheTTL returns the TTL applied when callers cache without one.
func (c *Config) DefaultCacheTTL() time.Duration {
	return time.Duration(c.Cache.DefaultTTLHours) * time.Hour
}

// CleanupInterval returns the spacing of expired-cache sweeps.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cache.CleanupIntervalMinutes) * time.Minute
}
