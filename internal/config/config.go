// Package config loads trustd configuration from config.yaml under the
// service home directory, applies environment overrides and defaults.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// AuthConfig controls bearer-token authentication on the gateway.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	Tokens  []string `yaml:"tokens"`
}

// RateLimitConfig controls per-caller request throttling on the gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig controls cross-origin access for browser dashboards.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// DriftDefaults are applied when an agent has no stored drift config.
type DriftDefaults struct {
	DriftThreshold   float64 `yaml:"drift_threshold"`
	WarningThreshold float64 `yaml:"warning_threshold"`
	AutoRevoke       bool    `yaml:"auto_revoke"`
	SpikeSensitivity float64 `yaml:"spike_sensitivity"`

	// Rolling-window cache bounds for spike detection.
	WindowMaxAgents  int `yaml:"window_max_agents"`
	WindowTTLMinutes int `yaml:"window_ttl_minutes"`
}

// SweepConfig controls the commitment expiry sweep.
type SweepConfig struct {
	// Schedule is a standard 5-field cron expression.
	Schedule string `yaml:"schedule"`
}

// WebhookEndpoint is a destination for signed trust-event notifications.
type WebhookEndpoint struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"` // topic prefixes; empty = all
}

// ZKPConfig locates the Groth16 verification key loaded at engine construction.
type ZKPConfig struct {
	VerificationKeyPath string `yaml:"verification_key_path"`
}

// OTelConfig mirrors the otel provider settings.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string `yaml:"bind_addr"`
	LogLevel     string `yaml:"log_level"`
	DatabasePath string `yaml:"database_path"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`

	Drift    DriftDefaults     `yaml:"drift"`
	Sweep    SweepConfig       `yaml:"sweep"`
	Webhooks []WebhookEndpoint `yaml:"webhooks"`
	ZKP      ZKPConfig         `yaml:"zkp"`
	OTel     OTelConfig        `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Auth:     AuthConfig{Enabled: false},
		Drift: DriftDefaults{
			DriftThreshold:   0.30,
			WarningThreshold: 0.24,
			AutoRevoke:       true,
			SpikeSensitivity: 2.0,
			WindowMaxAgents:  500,
			WindowTTLMinutes: 60,
		},
		Sweep: SweepConfig{Schedule: "*/5 * * * *"},
		OTel:  OTelConfig{Exporter: "otlp-http", SampleRate: 1.0},
	}
}

// HomeDir returns the trustd home directory, honouring TRUSTD_HOME.
func HomeDir() string {
	if override := os.Getenv("TRUSTD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".trustd")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config from the given home directory. A missing config.yaml
// is not an error: defaults apply.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create trustd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TRUSTD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TRUSTD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TRUSTD_DATABASE_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}
	if raw := os.Getenv("TRUSTD_AUTH_TOKEN"); raw != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Tokens = append(cfg.Auth.Tokens, raw)
	}
	if raw := os.Getenv("TRUSTD_SWEEP_SCHEDULE"); raw != "" {
		cfg.Sweep.Schedule = raw
	}
	if raw := os.Getenv("TRUSTD_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
}

func normalize(cfg *Config) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.HomeDir, "trustd.db")
	}
	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = "*/5 * * * *"
	}
	if cfg.Drift.WindowMaxAgents <= 0 {
		cfg.Drift.WindowMaxAgents = 500
	}
	if cfg.Drift.WindowTTLMinutes <= 0 {
		cfg.Drift.WindowTTLMinutes = 60
	}
	if cfg.Drift.SpikeSensitivity <= 0 {
		cfg.Drift.SpikeSensitivity = 2.0
	}
	if cfg.OTel.SampleRate <= 0 {
		cfg.OTel.SampleRate = 1.0
	}
}

func validate(cfg Config) error {
	d := cfg.Drift
	if d.DriftThreshold < 0 || d.DriftThreshold > 1 {
		return fmt.Errorf("config: drift_threshold %v out of range [0,1]", d.DriftThreshold)
	}
	if d.WarningThreshold < 0 || d.WarningThreshold > 1 {
		return fmt.Errorf("config: warning_threshold %v out of range [0,1]", d.WarningThreshold)
	}
	if d.WarningThreshold >= d.DriftThreshold {
		return fmt.Errorf("config: warning_threshold %v must be below drift_threshold %v", d.WarningThreshold, d.DriftThreshold)
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Tokens) == 0 {
		return fmt.Errorf("config: auth enabled with no tokens")
	}
	for i, wh := range cfg.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config: webhooks[%d] missing url", i)
		}
	}
	return nil
}

// Fingerprint returns a stable hash of the active config, exposed on the
// health endpoint so operators can tell which settings a node runs with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|drift=%v/%v/%v|sweep=%s|webhooks=%d",
		c.BindAddr, c.LogLevel, c.DatabasePath,
		c.Drift.DriftThreshold, c.Drift.WarningThreshold, c.Drift.AutoRevoke,
		c.Sweep.Schedule, len(c.Webhooks))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
