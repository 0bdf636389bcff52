// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the gfxtap agent.
type Config struct {
	ServiceName  string             `yaml:"service_name" env:"GFXTAP_SERVICE_NAME"`
	LogLevel     string             `yaml:"log_level" env:"GFXTAP_LOG_LEVEL"`
	Interception InterceptionConfig `yaml:"interception"`
	Vendor       VendorConfig       `yaml:"vendor"`
	Encoder      EncoderConfig      `yaml:"encoder"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Health       HealthConfig       `yaml:"health"`
}

// InterceptionConfig governs the library-export interception layer.
type InterceptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // "host" (embedding host routes calls) or "stub"
}

// VendorConfig holds vendor-API policy.
type VendorConfig struct {
	Extensions ExtensionsConfig `yaml:"extensions"`
}

// ExtensionsConfig decides what happens to vendor API identifiers the
// interceptor does not model: enabled passes them through to the real
// driver, disabled refuses them. Disabled is the safe default; captures
// taken with unknown extensions active may not replay.
type ExtensionsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EncoderConfig governs the hardware encoder dispatch-table patch.
type EncoderConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DiscoveryConfig governs the capture-candidate process scanner.
type DiscoveryConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	ProcessNames []string      `yaml:"process_names"` // name substrings worth reporting regardless of libraries
	LibraryHints []string      `yaml:"library_hints"` // loaded-module substrings that mark a process as a candidate
}

// TelemetryConfig configures the export pipeline.
type TelemetryConfig struct {
	OTLP     OTLPConfig    `yaml:"otlp"`
	Stdout   StdoutConfig  `yaml:"stdout"`
	Interval time.Duration `yaml:"interval"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"`    // "grpc" or "http"
	Compression string            `yaml:"compression"` // "gzip" or "none"
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"GFXTAP_HEALTH_PORT"` // e.g. ":8691"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "gfxtap",
		LogLevel:    "info",
		Interception: InterceptionConfig{
			Enabled: true,
			Mode:    "host",
		},
		Vendor: VendorConfig{
			// Unrecognized vendor extensions are refused until someone
			// turns them on deliberately.
			Extensions: ExtensionsConfig{Enabled: false},
		},
		Encoder: EncoderConfig{
			Enabled: true,
		},
		Discovery: DiscoveryConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			LibraryHints: []string{
				"nvapi64.dll",
				"nvapi.dll",
				"nvEncodeAPI64.dll",
				"nvEncodeAPI.dll",
				"libnvidia-encode",
			},
		},
		Telemetry: TelemetryConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Compression: "gzip",
				Insecure:    true,
			},
			Stdout: StdoutConfig{
				Enabled: true,
				Format:  "text",
			},
			Interval: 15 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8691",
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a
// single Config. Expected files:
//   - base.yaml         → service_name, log_level, health
//   - interception.yaml → interception, vendor
//   - encoder.yaml      → encoder
//   - discovery.yaml    → discovery
//   - telemetry.yaml    → telemetry
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	// Base config first, overlays in fixed order after it.
	if err := loadFileInto(filepath.Join(dir, "base.yaml"), cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load base.yaml: %w", err)
	}

	overlays := []string{"interception.yaml", "encoder.yaml", "discovery.yaml", "telemetry.yaml"}
	for _, f := range overlays {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing
// Config, overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads GFXTAP_* environment variables and applies
// them to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	stringOverrides := map[string]func(string){
		"GFXTAP_SERVICE_NAME":            func(v string) { c.ServiceName = v },
		"GFXTAP_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"GFXTAP_INTERCEPTION_MODE":       func(v string) { c.Interception.Mode = v },
		"GFXTAP_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"GFXTAP_TELEMETRY_OTLP_ENDPOINT": func(v string) { c.Telemetry.OTLP.Endpoint = v },
		"GFXTAP_TELEMETRY_OTLP_PROTOCOL": func(v string) { c.Telemetry.OTLP.Protocol = v },
	}

	boolOverrides := map[string]*bool{
		"GFXTAP_INTERCEPTION_ENABLED":      &c.Interception.Enabled,
		"GFXTAP_VENDOR_EXTENSIONS_ENABLED": &c.Vendor.Extensions.Enabled,
		"GFXTAP_ENCODER_ENABLED":           &c.Encoder.Enabled,
		"GFXTAP_DISCOVERY_ENABLED":         &c.Discovery.Enabled,
		"GFXTAP_TELEMETRY_OTLP_ENABLED":    &c.Telemetry.OTLP.Enabled,
		"GFXTAP_TELEMETRY_STDOUT_ENABLED":  &c.Telemetry.Stdout.Enabled,
		"GFXTAP_HEALTH_ENABLED":            &c.Health.Enabled,
	}

	durationOverrides := map[string]*time.Duration{
		"GFXTAP_DISCOVERY_INTERVAL": &c.Discovery.Interval,
		"GFXTAP_TELEMETRY_INTERVAL": &c.Telemetry.Interval,
	}

	for envKey, setter := range stringOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := time.ParseDuration(val); err == nil && d > 0 {
				*target = d
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Interception.Mode != "host" && c.Interception.Mode != "stub" {
		return fmt.Errorf("interception.mode must be 'host' or 'stub'")
	}

	if c.Telemetry.OTLP.Enabled {
		if c.Telemetry.OTLP.Endpoint == "" {
			return fmt.Errorf("telemetry.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Telemetry.OTLP.Protocol != "grpc" && c.Telemetry.OTLP.Protocol != "http" {
			return fmt.Errorf("telemetry.otlp.protocol must be 'grpc' or 'http'")
		}
	}

	switch c.Telemetry.OTLP.Compression {
	case "", "gzip", "none":
	default:
		return fmt.Errorf("telemetry.otlp.compression must be 'gzip' or 'none'")
	}

	if c.Telemetry.Stdout.Enabled &&
		c.Telemetry.Stdout.Format != "text" && c.Telemetry.Stdout.Format != "json" {
		return fmt.Errorf("telemetry.stdout.format must be 'text' or 'json'")
	}

	if c.Telemetry.Interval < time.Second {
		return fmt.Errorf("telemetry.interval must be at least 1s")
	}

	if c.Discovery.Enabled && c.Discovery.Interval < time.Second {
		return fmt.Errorf("discovery.interval must be at least 1s")
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return fmt.Errorf("health.port is required when health is enabled")
	}

	return nil
}
