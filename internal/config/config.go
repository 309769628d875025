// Package config loads watchit's settings from ~/.watchit/config.yaml.
//
// Precedence, lowest first: built-in defaults, the config file, environment
// variables, command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/majorcontext/watchit/internal/channel"
	"gopkg.in/yaml.v3"
)

// PreloadName is the interception module's file name.
const PreloadName = "libwatchit.so"

// Environment overrides.
const (
	EnvSocketStem    = "WATCHIT_SOCKET_STEM"
	EnvPreload       = "WATCHIT_PRELOAD"
	EnvDebugDir      = "WATCHIT_DEBUG_DIR"
	EnvRetentionDays = "WATCHIT_DEBUG_RETENTION_DAYS"
)

// Config holds supervisor settings.
type Config struct {
	// SocketStem is the channel address stem; ".<pid>" is appended.
	SocketStem string `yaml:"socket_stem"`
	// Preload is the interception module path.
	Preload string `yaml:"preload"`
	// Record is a default run history database. Empty disables recording.
	Record string `yaml:"record"`

	Debug DebugConfig `yaml:"debug"`
}

// DebugConfig controls the JSONL debug log.
type DebugConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SocketStem: channel.DefaultStem,
		Preload:    DefaultPreload(),
		Debug: DebugConfig{
			RetentionDays: 7,
		},
	}
}

// DefaultPreload is PreloadName next to the running executable.
func DefaultPreload() string {
	exe, err := os.Executable()
	if err != nil {
		return PreloadName
	}
	return filepath.Join(filepath.Dir(exe), PreloadName)
}

// Dir returns ~/.watchit.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".watchit")
	}
	return filepath.Join(home, ".watchit")
}

// Load reads ~/.watchit/config.yaml, if present, and applies environment
// overrides.
func Load() (*Config, error) {
	return LoadFile(filepath.Join(Dir(), "config.yaml"))
}

// LoadFile reads the config at path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvSocketStem); v != "" {
		cfg.SocketStem = v
	}
	if v := os.Getenv(EnvPreload); v != "" {
		cfg.Preload = v
	}
	if v := os.Getenv(EnvDebugDir); v != "" {
		cfg.Debug.Dir = v
	}
	if v := os.Getenv(EnvRetentionDays); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetentionDays, err)
		}
		cfg.Debug.RetentionDays = days
	}
	return nil
}
