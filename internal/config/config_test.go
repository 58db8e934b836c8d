package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model == "" || cfg.Endpoint == "" {
		t.Errorf("defaults missing: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
model = "models/other-live"
voice = "Kore"

[video]
enabled = true
interval_ms = 250
jpeg_quality = 60

[reconnect]
enabled = true
max_attempts = 2
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "models/other-live" {
		t.Errorf("model = %q", cfg.Model)
	}
	if !cfg.Video.Enabled || cfg.VideoInterval() != 250*time.Millisecond {
		t.Errorf("video = %+v", cfg.Video)
	}
	if !cfg.Reconnect.Enabled || cfg.Reconnect.MaxAttempts != 2 {
		t.Errorf("reconnect = %+v", cfg.Reconnect)
	}
	// Untouched sections keep their defaults.
	if cfg.Endpoint == "" || cfg.Audio.FrameMS != 100 {
		t.Errorf("defaults lost: endpoint=%q audio=%+v", cfg.Endpoint, cfg.Audio)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("model = ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOXLANE_API_KEY", "env-key")
	t.Setenv("VOXLANE_MODEL", "models/env-live")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "env-key" {
		t.Errorf("api key = %q, want env-key", cfg.APIKey)
	}
	if cfg.Model != "models/env-live" {
		t.Errorf("model = %q, want models/env-live", cfg.Model)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"empty model", func(c *Config) { c.Model = "" }, false},
		{"empty endpoint", func(c *Config) { c.Endpoint = "" }, false},
		{"quality too high", func(c *Config) { c.Video.JPEGQuality = 101 }, false},
		{"zero frame", func(c *Config) { c.Audio.FrameMS = 0 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tc.wantOK {
				t.Errorf("Validate() = %v, wantOK=%v", err, tc.wantOK)
			}
		})
	}
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if err := WriteSample(path); err == nil {
		t.Error("WriteSample overwrote an existing config")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("sample config invalid: %v", err)
	}
}
