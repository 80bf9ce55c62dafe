package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	// RedisURL is optional. Without it the worker pool doubles as the queue
	// and the retry sweep runs without a lock.
	RedisURL string `yaml:"redis_url"`

	NumWorkers             int           `yaml:"num_workers"`
	DeliveryTimeout        time.Duration `yaml:"delivery_timeout"`
	RetrySweepInterval     time.Duration `yaml:"retry_sweep_interval"`
	RetrySweepBatch        int           `yaml:"retry_sweep_batch"`
	QueuePollInterval      time.Duration `yaml:"queue_poll_interval"`
	StalePendingAfter      time.Duration `yaml:"stale_pending_after"`
	DeliveryRetention      time.Duration `yaml:"delivery_retention"`
	MaxSubscribersPerOwner int           `yaml:"max_subscribers_per_owner"`
	LogLevel               string        `yaml:"log_level"`
	// AllowedOrigins lists browser origins that may open the live feed.
	// Empty means same-origin only; "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func defaults() Config {
	return Config{
		Port:                   "8080",
		NumWorkers:             50,
		DeliveryTimeout:        30 * time.Second,
		RetrySweepInterval:     60 * time.Second,
		RetrySweepBatch:        100,
		QueuePollInterval:      100 * time.Millisecond,
		StalePendingAfter:      5 * time.Minute,
		MaxSubscribersPerOwner: 10,
		LogLevel:               "info",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.NumWorkers = getEnvInt("NUM_WORKERS", cfg.NumWorkers)
	cfg.DeliveryTimeout = getEnvDuration("DELIVERY_TIMEOUT", cfg.DeliveryTimeout)
	cfg.RetrySweepInterval = getEnvDuration("RETRY_SWEEP_INTERVAL", cfg.RetrySweepInterval)
	cfg.RetrySweepBatch = getEnvInt("RETRY_SWEEP_BATCH", cfg.RetrySweepBatch)
	cfg.QueuePollInterval = getEnvDuration("QUEUE_POLL_INTERVAL", cfg.QueuePollInterval)
	cfg.StalePendingAfter = getEnvDuration("STALE_PENDING_AFTER", cfg.StalePendingAfter)
	cfg.DeliveryRetention = getEnvDuration("DELIVERY_RETENTION", cfg.DeliveryRetention)
	cfg.MaxSubscribersPerOwner = getEnvInt("MAX_SUBSCRIBERS_PER_OWNER", cfg.MaxSubscribersPerOwner)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", cfg.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.NumWorkers < 1 {
		errs = append(errs, errors.New("NUM_WORKERS must be at least 1"))
	}
	if c.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("DELIVERY_TIMEOUT must be positive"))
	}
	if c.RetrySweepInterval <= 0 {
		errs = append(errs, errors.New("RETRY_SWEEP_INTERVAL must be positive"))
	}
	if c.RetrySweepBatch < 1 {
		errs = append(errs, errors.New("RETRY_SWEEP_BATCH must be at least 1"))
	}
	if c.QueuePollInterval <= 0 {
		errs = append(errs, errors.New("QUEUE_POLL_INTERVAL must be positive"))
	}
	if c.StalePendingAfter <= 0 {
		errs = append(errs, errors.New("STALE_PENDING_AFTER must be positive"))
	} else if c.StalePendingAfter <= c.DeliveryTimeout {
		errs = append(errs, errors.New("STALE_PENDING_AFTER must exceed DELIVERY_TIMEOUT"))
	}
	if c.DeliveryRetention < 0 {
		errs = append(errs, errors.New("DELIVERY_RETENTION must not be negative"))
	}
	if c.MaxSubscribersPerOwner < 1 {
		errs = append(errs, errors.New("MAX_SUBSCRIBERS_PER_OWNER must be at least 1"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel converts LogLevel for the slog handler.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping blank entries.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
