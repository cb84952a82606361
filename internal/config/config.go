package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the bobsync server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	HRAPI    HRAPIConfig
	Batch    BatchConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// HRAPIConfig configures the remote HR API client and its outbound
// write budget.
type HRAPIConfig struct {
	BaseURL           string
	ServiceUserID     string
	ServiceUserToken  string
	Timeout           time.Duration
	RequestsPerMinute int
	// ThrottleReads extends the write pacer to verification reads.
	// The remote enforces its ceiling on writes; reads are cheaper and
	// unthrottled by default.
	ThrottleReads bool
}

// BatchConfig controls slice sizing and trigger cadence. Size is fixed
// so that Size sequential rate-limited writes complete well within one
// trigger interval.
type BatchConfig struct {
	Size             int
	TriggerInterval  time.Duration
	IdentityKeyField string
	IdentityCacheTTL time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("BOBSYNC_PORT", 8080),
			Env:  envString("BOBSYNC_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		HRAPI: HRAPIConfig{
			BaseURL:           os.Getenv("HRAPI_BASE_URL"),
			ServiceUserID:     os.Getenv("HRAPI_SERVICE_USER_ID"),
			ServiceUserToken:  os.Getenv("HRAPI_SERVICE_USER_TOKEN"),
			Timeout:           envDuration("HRAPI_TIMEOUT", 30*time.Second),
			RequestsPerMinute: envInt("HRAPI_REQUESTS_PER_MINUTE", 10),
			ThrottleReads:     envBool("HRAPI_THROTTLE_READS", false),
		},
		Batch: BatchConfig{
			Size:             envInt("BATCH_SIZE", 45),
			TriggerInterval:  envDuration("BATCH_TRIGGER_INTERVAL", 5*time.Minute),
			IdentityKeyField: envString("IDENTITY_KEY_FIELD", "root.email"),
			IdentityCacheTTL: envDuration("IDENTITY_CACHE_TTL", 30*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.HRAPI.BaseURL == "" {
		return fmt.Errorf("HRAPI_BASE_URL is required")
	}
	if !strings.HasPrefix(c.HRAPI.BaseURL, "http://") && !strings.HasPrefix(c.HRAPI.BaseURL, "https://") {
		return fmt.Errorf("HRAPI_BASE_URL must start with http:// or https://, got %q", c.HRAPI.BaseURL)
	}
	if c.HRAPI.ServiceUserID == "" {
		return fmt.Errorf("HRAPI_SERVICE_USER_ID is required")
	}
	if c.HRAPI.ServiceUserToken == "" {
		return fmt.Errorf("HRAPI_SERVICE_USER_TOKEN is required")
	}
	if c.HRAPI.RequestsPerMinute <= 0 {
		return fmt.Errorf("HRAPI_REQUESTS_PER_MINUTE must be positive, got %d", c.HRAPI.RequestsPerMinute)
	}

	if c.Batch.Size <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.Batch.Size)
	}
	if c.Batch.TriggerInterval < time.Minute {
		return fmt.Errorf("BATCH_TRIGGER_INTERVAL must be at least 1m, got %s", c.Batch.TriggerInterval)
	}

	// A slice of Size rate-limited writes must fit inside one trigger
	// interval, with margin left for resolution and verification reads.
	writeBudget := time.Duration(c.Batch.Size) * c.HRAPI.WriteInterval()
	if writeBudget > c.Batch.TriggerInterval {
		return fmt.Errorf("BATCH_SIZE %d at %d req/min needs %s per slice, which exceeds BATCH_TRIGGER_INTERVAL %s",
			c.Batch.Size, c.HRAPI.RequestsPerMinute, writeBudget, c.Batch.TriggerInterval)
	}

	return nil
}

// WriteInterval returns the minimum delay between successive remote
// writes implied by the requests-per-minute budget.
func (c HRAPIConfig) WriteInterval() time.Duration {
	return time.Duration((60000+c.RequestsPerMinute-1)/c.RequestsPerMinute) * time.Millisecond
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
