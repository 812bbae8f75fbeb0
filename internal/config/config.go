// Package config loads engine configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	SES      SESConfig      `yaml:"ses"`
	Site     SiteConfig     `yaml:"site"`
	Tracking TrackingConfig `yaml:"tracking"`
	Delivery DeliveryConfig `yaml:"delivery"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection used for worker locking and
// unsubscribe rate limiting. Optional: with no URL set, locking falls back
// to PG advisory locks and unsubscribe rate limiting is disabled.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SESConfig holds AWS SES API configuration for the mail transport.
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured transport timeout as a duration.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SiteConfig holds sender identity and the site name substituted into
// campaign content.
type SiteConfig struct {
	Name      string `yaml:"name"`
	FromName  string `yaml:"from_name"`
	FromEmail string `yaml:"from_email"`
	ReplyTo   string `yaml:"reply_to"`
}

// TrackingConfig holds tracking endpoint and token signing settings.
type TrackingConfig struct {
	// BaseURL is the public root of the tracking service, e.g.
	// https://track.example.com
	BaseURL string `yaml:"base_url"`
	// UnsubscribeURL is the public unsubscribe page.
	UnsubscribeURL string `yaml:"unsubscribe_url"`
	// SigningKey is the HMAC secret for tracking/unsubscribe tokens.
	SigningKey string `yaml:"signing_key"`
	// AnonymizeIPs zeroes the last IPv4 octet / IPv6 64 bits before
	// storing open/click addresses. Privacy policy, on by default.
	AnonymizeIPs *bool `yaml:"anonymize_ips"`
	// UnsubscribeLimitPerHour caps unsubscribe attempts per requester IP.
	UnsubscribeLimitPerHour int `yaml:"unsubscribe_limit_per_hour"`
}

// AnonymizeIPsEnabled reports the effective privacy setting.
func (c TrackingConfig) AnonymizeIPsEnabled() bool {
	if c.AnonymizeIPs == nil {
		return true
	}
	return *c.AnonymizeIPs
}

// DeliveryConfig holds queue and pacing settings.
type DeliveryConfig struct {
	// QueueThreshold is the recipient count above which a send is queued
	// instead of delivered inline.
	QueueThreshold int `yaml:"queue_threshold"`
	// BatchSize bounds the number of queue items claimed per worker run.
	BatchSize int `yaml:"batch_size"`
	// PollIntervalSeconds is the worker drain period.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// ImmediateConcurrency bounds parallel transport calls in immediate mode.
	ImmediateConcurrency int `yaml:"immediate_concurrency"`
}

// PollInterval returns the worker drain period as a duration.
func (c DeliveryConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// LoadFromEnv loads .env (if present) and then the config file. Used by the
// cmd/ binaries so local development picks up credentials from .env.
func LoadFromEnv(path string) (*Config, error) {
	godotenv.Load()
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.SES.TimeoutSeconds == 0 {
		c.SES.TimeoutSeconds = 30
	}
	if c.SES.Region == "" {
		c.SES.Region = "us-east-1"
	}
	if c.Site.Name == "" {
		c.Site.Name = "Newsletter"
	}
	if c.Tracking.UnsubscribeLimitPerHour == 0 {
		c.Tracking.UnsubscribeLimitPerHour = 10
	}
	if c.Delivery.QueueThreshold == 0 {
		c.Delivery.QueueThreshold = 500
	}
	if c.Delivery.BatchSize == 0 {
		c.Delivery.BatchSize = 50
	}
	if c.Delivery.PollIntervalSeconds == 0 {
		c.Delivery.PollIntervalSeconds = 15
	}
	if c.Delivery.ImmediateConcurrency == 0 {
		c.Delivery.ImmediateConcurrency = 4
	}
}

// applyEnv lets deploy environments override secrets and endpoints without
// editing the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("SIGNING_KEY"); v != "" {
		c.Tracking.SigningKey = v
	}
	if v := os.Getenv("TRACKING_URL"); v != "" {
		c.Tracking.BaseURL = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		c.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		c.SES.SecretKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}
