package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/relay-rotor/internal/rotation"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Rotation  RotationConfig   `yaml:"rotation"`
	Delivery  DeliveryConfig   `yaml:"delivery"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RotationConfig holds the boot-time rotation defaults. Runtime state
// lives in Redis; these values seed it when Redis has no entry yet.
type RotationConfig struct {
	Enabled               *bool  `yaml:"enabled"`
	Strategy              string `yaml:"strategy"`
	APISMTPBalanceRatio   *int   `yaml:"api_smtp_balance_ratio"`
	IncludeAPIProviders   *bool  `yaml:"include_api_providers"`
	FailureThreshold      int    `yaml:"failure_threshold"`
	MaxAttemptsPerMessage int    `yaml:"max_attempts_per_message"`
}

// Defaults merges the YAML values over the built-in defaults.
func (c RotationConfig) Defaults() rotation.Config {
	cfg := rotation.DefaultConfig()
	if c.Enabled != nil {
		cfg.Enabled = *c.Enabled
	}
	if c.Strategy != "" {
		cfg.Strategy = rotation.Strategy(c.Strategy)
	}
	if c.APISMTPBalanceRatio != nil {
		cfg.APISMTPBalanceRatio = *c.APISMTPBalanceRatio
	}
	if c.IncludeAPIProviders != nil {
		cfg.IncludeAPIProviders = *c.IncludeAPIProviders
	}
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.MaxAttemptsPerMessage > 0 {
		cfg.MaxAttemptsPerMessage = c.MaxAttemptsPerMessage
	}
	return cfg
}

// DeliveryConfig holds per-attempt transport settings
type DeliveryConfig struct {
	AttemptTimeoutSeconds int `yaml:"attempt_timeout_seconds"`
}

// AttemptTimeout returns the configured timeout as a duration
func (c DeliveryConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// ProviderConfig is a bootstrap provider seeded at startup when the
// providers table is empty.
type ProviderConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	Enabled    *bool  `yaml:"enabled"`
	Weight     int    `yaml:"weight"`
	DailyLimit int    `yaml:"daily_limit"`

	SMTP *SMTPProviderConfig `yaml:"smtp"`
	API  *APIProviderConfig  `yaml:"api"`
}

// SMTPProviderConfig holds relay credentials for an SMTP provider
type SMTPProviderConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Encryption string `yaml:"encryption"`
}

// APIProviderConfig holds credentials for an HTTP API provider
type APIProviderConfig struct {
	Vendor    string `yaml:"vendor"`
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// Provider converts the YAML block into the engine's provider shape.
func (c ProviderConfig) Provider() *rotation.Provider {
	p := &rotation.Provider{
		ID:         c.ID,
		Name:       c.Name,
		Kind:       rotation.ProviderKind(c.Kind),
		Enabled:    true,
		Weight:     c.Weight,
		DailyLimit: c.DailyLimit,
	}
	if c.Enabled != nil {
		p.Enabled = *c.Enabled
	}
	if p.Weight == 0 {
		p.Weight = 1
	}
	if c.SMTP != nil {
		p.SMTP = &rotation.SMTPCredentials{
			Host:       c.SMTP.Host,
			Port:       c.SMTP.Port,
			Username:   c.SMTP.Username,
			Password:   c.SMTP.Password,
			Encryption: rotation.EncryptionMode(c.SMTP.Encryption),
		}
		if p.SMTP.Encryption == "" {
			p.SMTP.Encryption = rotation.EncryptionTLS
		}
	}
	if c.API != nil {
		p.API = &rotation.APICredentials{
			Vendor:    c.API.Vendor,
			Endpoint:  c.API.Endpoint,
			APIKey:    c.API.APIKey,
			AccessKey: c.API.AccessKey,
			SecretKey: c.API.SecretKey,
			Region:    c.API.Region,
		}
	}
	return p
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
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Delivery.AttemptTimeoutSeconds == 0 {
		cfg.Delivery.AttemptTimeoutSeconds = 30
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
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = n
		}
	}

	return cfg, nil
}
