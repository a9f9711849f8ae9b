// Package config provides configuration structures and loading logic for the tap proxy.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the tap proxy.
type Config struct {
	Server ServerConfig `yaml:"server"`

	Upstream  UpstreamConfig  `yaml:"upstream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Taps      TapsConfig      `yaml:"taps"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the listener addresses.
type ServerConfig struct {
	AdminAddress string `yaml:"admin_address"`
	DataAddress  string `yaml:"data_address"`
	// TCPAddress enables the socket proxy when set.
	TCPAddress string `yaml:"tcp_address"`
}

// UpstreamConfig names where tapped traffic is forwarded.
type UpstreamConfig struct {
	HTTPURL    string `yaml:"http_url"`
	TCPAddress string `yaml:"tcp_address"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	// SampleRatio is the fraction of root spans kept. Unset keeps every span.
	SampleRatio *float64 `yaml:"sample_ratio"`
}

// TapsConfig points at the tap definitions file.
type TapsConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, sends logs to a rotating file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Server: ServerConfig{
			AdminAddress: ":19090",
			DataAddress:  ":8090",
		},
		Taps: TapsConfig{
			Watch: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("TAP_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("TAP_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}
	if val := os.Getenv("TAP_TCP_ADDR"); val != "" {
		cfg.Server.TCPAddress = val
	}

	if val := os.Getenv("TAP_UPSTREAM_URL"); val != "" {
		cfg.Upstream.HTTPURL = val
	}
	if val := os.Getenv("TAP_UPSTREAM_TCP"); val != "" {
		cfg.Upstream.TCPAddress = val
	}

	if val := os.Getenv("TAP_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("TAP_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("TAP_OTLP_SAMPLE_RATIO"); val != "" {
		if ratio, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.SampleRatio = &ratio
		}
	}

	if val := os.Getenv("TAP_FILE"); val != "" {
		cfg.Taps.File = val
	}

	if val := os.Getenv("TAP_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("TAP_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv("TAP_LOG_FILE"); val != "" {
		cfg.Logging.File = val
	}
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Upstream.Validate(c.Server); err != nil {
		return fmt.Errorf("upstream configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	// Set defaults if not provided
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}

	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = ":8090"
	}

	seen := map[string]string{c.AdminAddress: "admin_address"}
	if other, ok := seen[c.DataAddress]; ok {
		return fmt.Errorf("data_address %q conflicts with %s", c.DataAddress, other)
	}
	seen[c.DataAddress] = "data_address"
	if c.TCPAddress != "" {
		if other, ok := seen[c.TCPAddress]; ok {
			return fmt.Errorf("tcp_address %q conflicts with %s", c.TCPAddress, other)
		}
	}

	return nil
}

// Validate checks that every enabled listener has somewhere to forward to.
func (c *UpstreamConfig) Validate(server ServerConfig) error {
	if c.HTTPURL != "" {
		u, err := url.Parse(c.HTTPURL)
		if err != nil {
			return fmt.Errorf("invalid http_url %q: %w", c.HTTPURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("http_url %q must use http or https", c.HTTPURL)
		}
		if u.Host == "" {
			return fmt.Errorf("http_url %q has no host", c.HTTPURL)
		}
	}

	if server.TCPAddress != "" && c.TCPAddress == "" {
		return fmt.Errorf("tcp_address is required when server.tcp_address is set")
	}

	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if c.SampleRatio != nil && (*c.SampleRatio < 0 || *c.SampleRatio > 1) {
		return fmt.Errorf("sample_ratio must be between 0 and 1, got %v", *c.SampleRatio)
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	// Set default log level if not provided
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level // Normalize to lowercase
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "text"
	case "text", "json":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: text, json", c.Format)
	}

	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}

	return nil
}
