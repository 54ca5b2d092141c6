// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FetchConfig bounds remote feed requests.
type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxRedirects int           `yaml:"max_redirects"`
	MaxBytes     int64         `yaml:"max_bytes"`
	UserAgent    string        `yaml:"user_agent"`
}

// ParseConfig bounds feed parsing.
type ParseConfig struct {
	MaxEvents int `yaml:"max_events"`
}

// RetentionConfig sets the window of stored events around today.
type RetentionConfig struct {
	PastDays   int `yaml:"past_days"`
	FutureDays int `yaml:"future_days"`
}

// Config is the top-level service configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DataDir holds the SQLite database.
	DataDir string `yaml:"data_dir"`

	// Timezone is the IANA zone whose midnight anchors the retention window.
	Timezone string `yaml:"timezone"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// SweepInterval is how often due users are looked for.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SweepRatePerSecond paces users within a sweep. Zero disables pacing.
	SweepRatePerSecond float64 `yaml:"sweep_rate_per_second"`

	Fetch     FetchConfig     `yaml:"fetch"`
	Parse     ParseConfig     `yaml:"parse"`
	Retention RetentionConfig `yaml:"retention"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        ":8099",
		DataDir:       "/data",
		Timezone:      "UTC",
		LogLevel:      "info",
		SweepInterval: time.Minute,
		Fetch: FetchConfig{
			Timeout:      15 * time.Second,
			MaxRedirects: 5,
			MaxBytes:     5 << 20,
			UserAgent:    "daybook-calsync/1.0",
		},
		Parse: ParseConfig{
			MaxEvents: 2000,
		},
		Retention: RetentionConfig{
			PastDays:   30,
			FutureDays: 90,
		},
	}
}

// Normalize fills zero values from DefaultConfig so partial files work.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = d.Fetch.Timeout
	}
	if c.Fetch.MaxRedirects == 0 {
		c.Fetch.MaxRedirects = d.Fetch.MaxRedirects
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = d.Fetch.MaxBytes
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = d.Fetch.UserAgent
	}
	if c.Parse.MaxEvents == 0 {
		c.Parse.MaxEvents = d.Parse.MaxEvents
	}
	if c.Retention.PastDays == 0 {
		c.Retention.PastDays = d.Retention.PastDays
	}
	if c.Retention.FutureDays == 0 {
		c.Retention.FutureDays = d.Retention.FutureDays
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch {
	case c.SweepInterval < time.Second:
		return fmt.Errorf("sweep_interval must be at least 1s, got %s", c.SweepInterval)
	case c.SweepRatePerSecond < 0:
		return errors.New("sweep_rate_per_second must not be negative")
	case c.Fetch.Timeout < 0:
		return errors.New("fetch.timeout must not be negative")
	case c.Fetch.MaxRedirects < 0:
		return errors.New("fetch.max_redirects must not be negative")
	case c.Fetch.MaxBytes < 0:
		return errors.New("fetch.max_bytes must not be negative")
	case c.Parse.MaxEvents < 0:
		return errors.New("parse.max_events must not be negative")
	case c.Retention.PastDays < 0 || c.Retention.FutureDays < 0:
		return errors.New("retention days must not be negative")
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Load reads the YAML file at path. A missing file, or an empty path,
// yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
