// Package config handles YAML configuration loading with environment variable
// expansion and TOKENTAP_* overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Network modes. "local" restricts listeners to the loopback interface;
// "network" exposes them on all interfaces so other devices can use the
// proxy.
const (
	ModeLocal   = "local"
	ModeNetwork = "network"
)

// Config is the top-level tokentap configuration.
type Config struct {
	Proxy       ProxyConfig     `yaml:"proxy"`
	Dashboard   DashboardConfig `yaml:"dashboard"`
	Mongo       MongoConfig     `yaml:"mongo"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	NetworkMode string          `yaml:"network_mode"` // "local" or "network"
	Debug       bool            `yaml:"debug"`        // raw capture, unsanitized messages
}

// ProxyConfig holds interception listener settings.
type ProxyConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CADir           string        `yaml:"ca_dir"` // empty = <home>/.tokentap
}

// DashboardConfig holds dashboard API server settings.
type DashboardConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MongoConfig holds event store settings.
type MongoConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"` // per-operation deadline
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProxyAddr returns the proxy listen address for the active network mode.
func (c *Config) ProxyAddr() string {
	return net.JoinHostPort(c.bindHost(), strconv.Itoa(c.Proxy.Port))
}

// DashboardAddr returns the dashboard listen address for the active network
// mode.
func (c *Config) DashboardAddr() string {
	return net.JoinHostPort(c.bindHost(), strconv.Itoa(c.Dashboard.Port))
}

func (c *Config) bindHost() string {
	if c.NetworkMode == ModeLocal {
		return "127.0.0.1"
	}
	return "0.0.0.0"
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying TOKENTAP_* overrides. An empty path yields defaults plus
// overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.NetworkMode != ModeLocal && cfg.NetworkMode != ModeNetwork {
		return nil, fmt.Errorf("network_mode must be %q or %q, got %q",
			ModeLocal, ModeNetwork, cfg.NetworkMode)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute, // streamed completions run long
			ShutdownTimeout: 30 * time.Second,
		},
		Dashboard: DashboardConfig{
			Port:         8081,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "tokentap",
			Timeout:  10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
		NetworkMode: ModeNetwork,
	}
}

// applyEnvOverrides applies the documented TOKENTAP_* variables on top of the
// file configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOKENTAP_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("TOKENTAP_MONGO_DB"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("TOKENTAP_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Dashboard.Port = port
		}
	}
	if v := os.Getenv("TOKENTAP_PROXY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Proxy.Port = port
		}
	}
	if v := os.Getenv("TOKENTAP_NETWORK_MODE"); v != "" {
		cfg.NetworkMode = v
	}
	if v := os.Getenv("TOKENTAP_DEBUG"); v != "" {
		cfg.Debug = truthy(v)
	}
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
