// Package config loads the client configuration from a TOML file with
// environment overrides for the values that should never live on disk.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Audio tunes the capture side.
type Audio struct {
	FrameMS int `toml:"frame_ms"`
}

// Video tunes the still-frame pipeline.
type Video struct {
	Enabled     bool `toml:"enabled"`
	IntervalMS  int  `toml:"interval_ms"`
	JPEGQuality int  `toml:"jpeg_quality"`
}

// Reconnect tunes automatic re-dialing after transport drops.
type Reconnect struct {
	Enabled        bool `toml:"enabled"`
	InitialDelayMS int  `toml:"initial_delay_ms"`
	MaxDelayMS     int  `toml:"max_delay_ms"`
	MaxAttempts    int  `toml:"max_attempts"`
}

// Config is the full client configuration.
type Config struct {
	Endpoint          string `toml:"endpoint"`
	APIKey            string `toml:"api_key"`
	Model             string `toml:"model"`
	Voice             string `toml:"voice"`
	SystemInstruction string `toml:"system_instruction"`
	UserID            string `toml:"user_id"`
	SettingsDB        string `toml:"settings_db"`

	Audio     Audio     `toml:"audio"`
	Video     Video     `toml:"video"`
	Reconnect Reconnect `toml:"reconnect"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Endpoint:   "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent",
		Model:      "models/gemini-2.0-flash-live-001",
		Voice:      "Puck",
		UserID:     "default",
		SettingsDB: filepath.Join(home, ".voxlane", "settings.db"),
		Audio:      Audio{FrameMS: 100},
		Video:      Video{Enabled: false, IntervalMS: 500, JPEGQuality: 75},
		Reconnect: Reconnect{
			Enabled:        false,
			InitialDelayMS: 500,
			MaxDelayMS:     30000,
			MaxAttempts:    5,
		},
	}
}

// DefaultPath is where Load looks when no explicit path is given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".voxlane", "config.toml")
}

// Load reads path on top of the defaults, then applies environment
// overrides. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Defaults plus environment only.
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VOXLANE_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("VOXLANE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.APIKey == "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("VOXLANE_MODEL"); v != "" {
		cfg.Model = v
	}
}

// Validate reports the first configuration problem.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint must be set")
	}
	if c.Model == "" {
		return errors.New("model must be set")
	}
	if c.Video.JPEGQuality < 1 || c.Video.JPEGQuality > 100 {
		return fmt.Errorf("video.jpeg_quality %d outside [1,100]", c.Video.JPEGQuality)
	}
	if c.Audio.FrameMS <= 0 {
		return errors.New("audio.frame_ms must be positive")
	}
	return nil
}

// FrameDuration converts the configured capture frame size.
func (c Config) FrameDuration() time.Duration {
	return time.Duration(c.Audio.FrameMS) * time.Millisecond
}

// VideoInterval converts the configured sampling period.
func (c Config) VideoInterval() time.Duration {
	return time.Duration(c.Video.IntervalMS) * time.Millisecond
}

// WriteSample writes the annotated sample config to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}
