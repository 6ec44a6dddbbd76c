package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/medgate-ai/medgate/utils/env"
)

// Config represents the full application configuration.
type Config struct {
	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// API key to access the gateway. The caller provides this key in the
	// Authorization header with the Bearer scheme. Empty disables auth.
	ApiKey string `yaml:"api_key"`

	// Base64-encoded 32-byte key used to seal provider credentials at rest.
	MasterKey string `yaml:"master_key"`

	// Path to the SQLite database file backing the provider store.
	DatabasePath string `yaml:"database_path"`

	// Valkey (open-source version of Redis) endpoint for shared cooldown
	// state. Empty uses the in-process state manager.
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Cron expression for the health probe cycle. E.g., "@every 5m"
	HealthCheckSchedule string `yaml:"health_check_schedule"`

	// Per-probe bound on the synthetic health request. E.g., "15s"
	HealthCheckTimeout string `yaml:"health_check_timeout"`

	// Default bound on a vendor call when the request does not carry one.
	// E.g., "60s"
	RequestTimeout string `yaml:"request_timeout"`

	// Cooldown applied to a provider after a vendor rate-limit response.
	// E.g., "1m"
	RateLimitCooldown string `yaml:"rate_limit_cooldown"`
}

// Load reads the configuration from the given YAML path and applies
// environment-variable overrides on top.
func Load(path string) (*Config, error) {
	// Setting default values.
	config := Config{
		Port:                8080,
		DatabasePath:        "medgate.db",
		HealthCheckSchedule: "@every 5m",
		HealthCheckTimeout:  "15s",
		RequestTimeout:      "60s",
		RateLimitCooldown:   "1m",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	// Overrides config with the YAML data.
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	// Overrides config with environment variables.
	// Therefore, the values from the environment variables precede the
	// values from the YAML file.
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.ApiKey = env.OptionalStringVariable("MEDGATE_API_KEY", config.ApiKey)
	config.MasterKey = env.OptionalStringVariable("MEDGATE_MASTER_KEY", config.MasterKey)
	config.DatabasePath = env.OptionalStringVariable("MEDGATE_DATABASE_PATH", config.DatabasePath)
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.HealthCheckSchedule = env.OptionalStringVariable("HEALTH_CHECK_SCHEDULE", config.HealthCheckSchedule)
	config.HealthCheckTimeout = env.OptionalStringVariable("HEALTH_CHECK_TIMEOUT", config.HealthCheckTimeout)
	config.RequestTimeout = env.OptionalStringVariable("REQUEST_TIMEOUT", config.RequestTimeout)
	config.RateLimitCooldown = env.OptionalStringVariable("RATE_LIMIT_COOLDOWN", config.RateLimitCooldown)

	return &config, nil
}

// HealthCheckTimeoutDuration parses the health check timeout.
func (c *Config) HealthCheckTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.HealthCheckTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid health check timeout: %v", err)
	}
	return d, nil
}

// RequestTimeoutDuration parses the default request timeout.
func (c *Config) RequestTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid request timeout: %v", err)
	}
	return d, nil
}

// RateLimitCooldownDuration parses the vendor rate-limit cooldown.
func (c *Config) RateLimitCooldownDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.RateLimitCooldown)
	if err != nil {
		return 0, fmt.Errorf("invalid rate limit cooldown: %v", err)
	}
	return d, nil
}
