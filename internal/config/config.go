// Package config loads the YAML configuration file with environment
// variable overrides for secrets.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Sending   SendingConfig   `yaml:"sending"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	ABTest    ABTestConfig    `yaml:"ab_test"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the PostgreSQL connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection settings. Redis is optional; rate
// limiting and distributed locks degrade gracefully without it.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// ProvidersConfig holds SMS gateway credentials and selection
type ProvidersConfig struct {
	Default string       `yaml:"default"` // twilio, vonage, sns, mock
	Twilio  TwilioConfig `yaml:"twilio"`
	Vonage  VonageConfig `yaml:"vonage"`
	SNS     SNSConfig    `yaml:"sns"`
}

// TwilioConfig holds Twilio API credentials
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

// VonageConfig holds Vonage API credentials
type VonageConfig struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	FromNumber string `yaml:"from_number"`
}

// SNSConfig holds AWS SNS credentials
type SNSConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// SendingConfig controls the bulk sender's batching and concurrency
type SendingConfig struct {
	BatchSize              int `yaml:"batch_size"`
	BatchDelayMillis       int `yaml:"batch_delay_millis"`
	Concurrency            int `yaml:"concurrency"`
	DispatchTimeoutSeconds int `yaml:"dispatch_timeout_seconds"`
}

// BatchDelay returns the configured inter-batch delay as a duration
func (c SendingConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMillis) * time.Millisecond
}

// DispatchTimeout returns the per-message timeout as a duration
func (c SendingConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

// ReconcileConfig controls delivery-report reconciliation
type ReconcileConfig struct {
	LockTTLSeconds int `yaml:"lock_ttl_seconds"`
	// Per-provider raw-status overrides, e.g. twilio: {canceled: failed}
	StatusOverrides map[string]map[string]string `yaml:"status_overrides"`
}

// LockTTL returns the recount lock TTL as a duration
func (c ReconcileConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// ABTestConfig holds defaults applied to new tests
type ABTestConfig struct {
	DefaultMinimumSampleSize int     `yaml:"default_minimum_sample_size"`
	DefaultConfidenceLevel   float64 `yaml:"default_confidence_level"`
}

// SchedulerConfig controls the background due-work loop
type SchedulerConfig struct {
	IntervalSeconds int  `yaml:"interval_seconds"`
	Enabled         bool `yaml:"enabled"`
}

// Interval returns the scheduler tick interval as a duration
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "mock"
	}
	if cfg.Providers.SNS.Region == "" {
		cfg.Providers.SNS.Region = "us-east-1"
	}
	if cfg.Sending.BatchSize == 0 {
		cfg.Sending.BatchSize = 100
	}
	if cfg.Sending.BatchDelayMillis == 0 {
		cfg.Sending.BatchDelayMillis = 1000
	}
	if cfg.Sending.Concurrency == 0 {
		cfg.Sending.Concurrency = 10
	}
	if cfg.Sending.DispatchTimeoutSeconds == 0 {
		cfg.Sending.DispatchTimeoutSeconds = 30
	}
	if cfg.Reconcile.LockTTLSeconds == 0 {
		cfg.Reconcile.LockTTLSeconds = 30
	}
	if cfg.ABTest.DefaultMinimumSampleSize == 0 {
		cfg.ABTest.DefaultMinimumSampleSize = 100
	}
	if cfg.ABTest.DefaultConfidenceLevel == 0 {
		cfg.ABTest.DefaultConfidenceLevel = 0.95
	}
	if cfg.Scheduler.IntervalSeconds == 0 {
		cfg.Scheduler.IntervalSeconds = 30
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SMS_PROVIDER"); v != "" {
		cfg.Providers.Default = v
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		cfg.Providers.Twilio.AccountSID = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Providers.Twilio.AuthToken = v
	}
	if v := os.Getenv("TWILIO_FROM_NUMBER"); v != "" {
		cfg.Providers.Twilio.FromNumber = v
	}
	if v := os.Getenv("VONAGE_API_KEY"); v != "" {
		cfg.Providers.Vonage.APIKey = v
	}
	if v := os.Getenv("VONAGE_API_SECRET"); v != "" {
		cfg.Providers.Vonage.APISecret = v
	}
	if v := os.Getenv("AWS_SNS_ACCESS_KEY"); v != "" {
		cfg.Providers.SNS.AccessKey = v
	}
	if v := os.Getenv("AWS_SNS_SECRET_KEY"); v != "" {
		cfg.Providers.SNS.SecretKey = v
	}
	if v := os.Getenv("AWS_SNS_REGION"); v != "" {
		cfg.Providers.SNS.Region = v
	}

	return cfg, nil
}
