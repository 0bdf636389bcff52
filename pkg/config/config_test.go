package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Vendor.Extensions.Enabled {
		t.Error("vendor extensions should be disabled by default")
	}
	if got, want := cfg.Interception.Mode, "host"; got != want {
		t.Errorf("Interception.Mode = %q, want %q", got, want)
	}
	if cfg.Telemetry.OTLP.Enabled {
		t.Error("OTLP export should be off by default")
	}
	if got, want := cfg.Telemetry.Stdout.Format, "text"; got != want {
		t.Errorf("Stdout.Format = %q, want %q", got, want)
	}
	if got, want := cfg.Health.Port, ":8691"; got != want {
		t.Errorf("Health.Port = %q, want %q", got, want)
	}
	if got, want := cfg.Telemetry.Interval, 15*time.Second; got != want {
		t.Errorf("Telemetry.Interval = %v, want %v", got, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gfxtap.yaml")
	body := `
log_level: debug
vendor:
  extensions:
    enabled: true
telemetry:
  interval: 5s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, want := cfg.LogLevel, "debug"; got != want {
		t.Errorf("LogLevel = %q, want %q", got, want)
	}
	if !cfg.Vendor.Extensions.Enabled {
		t.Error("extensions.enabled not applied from file")
	}
	if got, want := cfg.Telemetry.Interval, 5*time.Second; got != want {
		t.Errorf("Telemetry.Interval = %v, want %v", got, want)
	}
	// Fields the file does not mention keep their defaults.
	if got, want := cfg.Interception.Mode, "host"; got != want {
		t.Errorf("Interception.Mode = %q, want %q", got, want)
	}
	if !cfg.Encoder.Enabled {
		t.Error("encoder default lost during merge")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gfxtap.yaml")
	body := "interception:\n  mode: hybrid\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "interception.mode") {
		t.Errorf("Load = %v, want interception.mode validation error", err)
	}
}

func TestLoadDirMergesOverlays(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"base.yaml":         "log_level: warn\n",
		"interception.yaml": "vendor:\n  extensions:\n    enabled: true\n",
		"telemetry.yaml":    "telemetry:\n  stdout:\n    format: json\n",
		// encoder.yaml and discovery.yaml deliberately absent
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	if got, want := cfg.LogLevel, "warn"; got != want {
		t.Errorf("LogLevel = %q, want %q", got, want)
	}
	if !cfg.Vendor.Extensions.Enabled {
		t.Error("interception.yaml overlay not applied")
	}
	if got, want := cfg.Telemetry.Stdout.Format, "json"; got != want {
		t.Errorf("Stdout.Format = %q, want %q", got, want)
	}
	if !cfg.Encoder.Enabled {
		t.Error("missing overlay should leave defaults alone")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GFXTAP_LOG_LEVEL", "debug")
	t.Setenv("GFXTAP_VENDOR_EXTENSIONS_ENABLED", "1")
	t.Setenv("GFXTAP_ENCODER_ENABLED", "no")
	t.Setenv("GFXTAP_DISCOVERY_INTERVAL", "5s")
	t.Setenv("GFXTAP_TELEMETRY_INTERVAL", "bogus")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if got, want := cfg.LogLevel, "debug"; got != want {
		t.Errorf("LogLevel = %q, want %q", got, want)
	}
	if !cfg.Vendor.Extensions.Enabled {
		t.Error("GFXTAP_VENDOR_EXTENSIONS_ENABLED=1 not applied")
	}
	if cfg.Encoder.Enabled {
		t.Error("GFXTAP_ENCODER_ENABLED=no not applied")
	}
	if got, want := cfg.Discovery.Interval, 5*time.Second; got != want {
		t.Errorf("Discovery.Interval = %v, want %v", got, want)
	}
	if got, want := cfg.Telemetry.Interval, 15*time.Second; got != want {
		t.Errorf("unparseable duration should be ignored, Interval = %v, want %v", got, want)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"true", true},
		{"1", true},
		{"YES", true},
		{" True ", true},
		{"false", false},
		{"0", false},
		{"banana", false},
	}
	for _, tt := range tests {
		if got := parseBool(tt.in); got != tt.want {
			t.Errorf("parseBool(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad interception mode",
			mutate:  func(c *Config) { c.Interception.Mode = "hybrid" },
			wantErr: "interception.mode",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.OTLP.Enabled = true
				c.Telemetry.OTLP.Endpoint = ""
			},
			wantErr: "telemetry.otlp.endpoint",
		},
		{
			name: "otlp bad protocol",
			mutate: func(c *Config) {
				c.Telemetry.OTLP.Enabled = true
				c.Telemetry.OTLP.Protocol = "quic"
			},
			wantErr: "telemetry.otlp.protocol",
		},
		{
			name:    "otlp bad compression",
			mutate:  func(c *Config) { c.Telemetry.OTLP.Compression = "zstd" },
			wantErr: "telemetry.otlp.compression",
		},
		{
			name:    "stdout bad format",
			mutate:  func(c *Config) { c.Telemetry.Stdout.Format = "xml" },
			wantErr: "telemetry.stdout.format",
		},
		{
			name:    "telemetry interval too small",
			mutate:  func(c *Config) { c.Telemetry.Interval = 100 * time.Millisecond },
			wantErr: "telemetry.interval",
		},
		{
			name:    "discovery interval zero",
			mutate:  func(c *Config) { c.Discovery.Interval = 0 },
			wantErr: "discovery.interval",
		},
		{
			name:    "health without port",
			mutate:  func(c *Config) { c.Health.Port = "" },
			wantErr: "health.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWatcherCoalescesWriteBursts(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("base.yaml", "log_level: debug\n")

	reloads := make(chan *Config, 8)
	w := NewWatcher(dir, func(cfg *Config, file string) { reloads <- cfg }, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Several writes back to back must produce one reload, not three.
	write("telemetry.yaml", "telemetry:\n  interval: 2s\n")
	write("encoder.yaml", "encoder:\n  enabled: false\n")
	write("discovery.yaml", "discovery:\n  enabled: false\n")

	var cfg *Config
	select {
	case cfg = <-reloads:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config writes")
	}

	if got, want := cfg.LogLevel, "debug"; got != want {
		t.Errorf("LogLevel = %q, want %q", got, want)
	}
	if got, want := cfg.Telemetry.Interval, 2*time.Second; got != want {
		t.Errorf("Telemetry.Interval = %v, want %v", got, want)
	}
	if cfg.Encoder.Enabled {
		t.Error("encoder.yaml overlay not applied on reload")
	}

	select {
	case <-reloads:
		t.Error("write burst produced more than one reload")
	case <-time.After(900 * time.Millisecond):
	}
}
