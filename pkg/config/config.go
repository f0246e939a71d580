// Package config loads the daemon configuration from a YAML file, applying
// defaults for anything left unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TaskPolicyConfig is a per-kind policy entry from the config file.
type TaskPolicyConfig struct {
	Kind           string `yaml:"kind"`
	MaxRetries     int    `yaml:"max_retries"`
	BackoffSeconds int64  `yaml:"backoff_seconds"`
	Priority       int    `yaml:"priority"`
	LeaseSeconds   *int64 `yaml:"lease_seconds,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	// DataDir holds the bolt database. Empty selects the in-memory store.
	DataDir string `yaml:"data_dir"`

	// Secret signs tokens. CASS_JWT_SECRET overrides it when set.
	Secret string `yaml:"secret"`

	Issuer                  string `yaml:"issuer"`
	Audience                string `yaml:"audience"`
	TokenTTLMinutes         int    `yaml:"token_ttl_minutes"`
	RefreshTokenTTLHours    int    `yaml:"refresh_token_ttl_hours"`
	HeartbeatTimeoutMinutes int    `yaml:"heartbeat_timeout_minutes"`
	SweepIntervalSeconds    int    `yaml:"sweep_interval_seconds"`

	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`

	Scheduler    string             `yaml:"scheduler"`
	TaskPolicies []TaskPolicyConfig `yaml:"task_policies,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Secret:                  "dev-secret",
		Issuer:                  "cassantranet",
		TokenTTLMinutes:         60,
		RefreshTokenTTLHours:    12,
		HeartbeatTimeoutMinutes: 5,
		SweepIntervalSeconds:    60,
		LogLevel:                "info",
		MetricsAddr:             ":9090",
		Scheduler:               "fifo",
	}
}

// Load reads a config file and merges it over the defaults. An empty path
// returns the defaults. CASS_JWT_SECRET, when set, wins over the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if secret := os.Getenv("CASS_JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
	return cfg, nil
}
