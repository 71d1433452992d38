// Package config loads server configuration from the environment, with an
// optional YAML file overlay for deployment profiles.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	ServerName string `yaml:"server_name"`
	Port       string `yaml:"port"`
	LogLevel   string `yaml:"log_level"`

	// DatabaseURL selects the backing store: postgres://... for Postgres,
	// anything else is treated as a SQLite path.
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	KeyValidity      time.Duration `yaml:"key_validity"`
	KeyCheckInterval time.Duration `yaml:"key_check_interval"`

	MediaBucket   string `yaml:"media_bucket"`
	MediaRegion   string `yaml:"media_region"`
	MediaEndpoint string `yaml:"media_endpoint"`

	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	RateLimitRPS   int    `yaml:"rate_limit_rps"`
	RateLimitBurst int    `yaml:"rate_limit_burst"`
}

// Load reads configuration from environment variables. When TESSERA_CONFIG
// names a YAML file, its values override the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ServerName:       os.Getenv("TESSERA_SERVER_NAME"),
		Port:             envOr("TESSERA_PORT", "8448"),
		LogLevel:         envOr("TESSERA_LOG_LEVEL", "INFO"),
		DatabaseURL:      envOr("TESSERA_DATABASE_URL", "tessera.db"),
		RedisURL:         os.Getenv("TESSERA_REDIS_URL"),
		KeyValidity:      envDuration("TESSERA_KEY_VALIDITY", 90*24*time.Hour),
		KeyCheckInterval: envDuration("TESSERA_KEY_CHECK_INTERVAL", 6*time.Hour),
		MediaBucket:      os.Getenv("TESSERA_MEDIA_BUCKET"),
		MediaRegion:      envOr("TESSERA_MEDIA_REGION", "us-east-1"),
		MediaEndpoint:    os.Getenv("TESSERA_MEDIA_ENDPOINT"),
		OTLPEndpoint:     os.Getenv("TESSERA_OTLP_ENDPOINT"),
		RateLimitRPS:     envInt("TESSERA_RATE_LIMIT_RPS", 50),
		RateLimitBurst:   envInt("TESSERA_RATE_LIMIT_BURST", 100),
	}

	if path := os.Getenv("TESSERA_CONFIG"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("config: server_name is required (TESSERA_SERVER_NAME)")
	}
	return cfg, nil
}

// overlay merges a YAML profile over the current values. Fields absent
// from the file keep their environment values.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
