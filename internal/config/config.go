// Package config loads server configuration from a .env file, an optional
// YAML file and the environment, in that order of increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	Port                 string          `yaml:"port"`
	DatabaseURL          string          `yaml:"database_url"` // PostgreSQL; wins over SQLitePath
	SQLitePath           string          `yaml:"sqlite_path"`
	RedisURL             string          `yaml:"redis_url"` // enables the cross-instance account lock
	QuoteAPIURL          string          `yaml:"quote_api_url"`
	APIKey               string          `yaml:"api_key"` // empty → static quote table
	QuoteTimeout         time.Duration   `yaml:"quote_timeout"`
	StartingCash         decimal.Decimal `yaml:"starting_cash"`
	LogLevel             string          `yaml:"log_level"`
	ValuationConcurrency int             `yaml:"valuation_concurrency"`
	LockTTL              time.Duration   `yaml:"lock_ttl"`
	CORSOrigins          []string        `yaml:"cors_origins"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:                 "8080",
		QuoteAPIURL:          "https://cloud.iexapis.com/stable",
		QuoteTimeout:         5 * time.Second,
		StartingCash:         decimal.NewFromInt(10000),
		LogLevel:             "info",
		ValuationConcurrency: 8,
		LockTTL:              10 * time.Second,
		CORSOrigins:          []string{"*"},
	}
}

// Load reads configuration. path names an optional YAML file; pass "" to
// skip it. Environment variables override the file.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.QuoteAPIURL = getEnv("QUOTE_API_URL", c.QuoteAPIURL)
	c.APIKey = getEnv("API_KEY", c.APIKey)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	var err error
	if c.QuoteTimeout, err = getEnvAsDuration("QUOTE_TIMEOUT", c.QuoteTimeout); err != nil {
		return err
	}
	if c.LockTTL, err = getEnvAsDuration("LOCK_TTL", c.LockTTL); err != nil {
		return err
	}
	if c.ValuationConcurrency, err = getEnvAsInt("VALUATION_CONCURRENCY", c.ValuationConcurrency); err != nil {
		return err
	}
	if v := os.Getenv("STARTING_CASH"); v != "" {
		if c.StartingCash, err = decimal.NewFromString(v); err != nil {
			return fmt.Errorf("config: STARTING_CASH: %w", err)
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: PORT is required")
	}
	if c.QuoteTimeout <= 0 {
		return fmt.Errorf("config: QUOTE_TIMEOUT must be positive, got %s", c.QuoteTimeout)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("config: LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	if c.StartingCash.IsNegative() {
		return fmt.Errorf("config: STARTING_CASH must not be negative, got %s", c.StartingCash)
	}
	if c.ValuationConcurrency <= 0 {
		return fmt.Errorf("config: VALUATION_CONCURRENCY must be positive, got %d", c.ValuationConcurrency)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel as a slog level (debug, info, warn, error).
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return l, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
