// Package config loads refreshd configuration from defaults, an optional
// YAML file, REFRESHD_-prefixed environment variables, and CLI flags, in
// ascending order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config file names searched in the working directory.
const (
	ConfigFileName    = "refreshd.yaml"
	ConfigFileNameAlt = "refreshd.yml"
)

// Defaults.
const (
	DefaultListenPort = 8765
	DefaultStatePath  = ".refreshd/state.db"
	DefaultDayWindow  = 30
)

// Config holds the full daemon configuration.
type Config struct {
	// ListenPort is the HTTP control API port.
	ListenPort int `koanf:"listen_port"`
	// StatePath is the SQLite run-state database path.
	StatePath string `koanf:"state_path"`
	// DayWindow is the default number of calendar days each ingestion
	// stage covers (debug options can override it per run).
	DayWindow int `koanf:"day_window"`
	// StageTimeout is the optional per-stage watchdog duration. Zero
	// disables the watchdog.
	StageTimeout time.Duration `koanf:"stage_timeout"`
	LogLevel     string        `koanf:"log_level"`
	LogFormat    string        `koanf:"log_format"`
	Sources      Sources       `koanf:"sources"`
}

// Sources holds the external data-source endpoints the refresh stages
// pull from.
type Sources struct {
	MixpanelURL string `koanf:"mixpanel_url"`
	MetaURL     string `koanf:"meta_url"`
}

// Load loads configuration. Precedence (highest to lowest):
// flags > env vars > config file > defaults.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults.
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"listen_port": DefaultListenPort,
		"state_path":  DefaultStatePath,
		"day_window":  DefaultDayWindow,
		"log_level":   "info",
		"log_format":  "text",
		"sources": map[string]interface{}{
			"mixpanel_url": "https://data.mixpanel.com/api/2.0",
			"meta_url":     "https://graph.facebook.com/v19.0",
		},
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file (explicit path, or refreshd.yaml/.yml in the CWD).
	if cfgFile == "" {
		cfgFile = findConfigFile(".")
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	// 3. Environment variables: REFRESHD_LISTEN_PORT -> listen_port,
	// REFRESHD_SOURCES__MIXPANEL_URL -> sources.mixpanel_url.
	if err := k.Load(env.Provider("REFRESHD_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "REFRESHD_"))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags (only those explicitly set).
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			// --state is the CLI shorthand for the state_path config key.
			if key == "state" {
				return "state_path", posflag.FlagVal(flags, f)
			}
			if key == "port" {
				return "listen_port", posflag.FlagVal(flags, f)
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return nil, fmt.Errorf("invalid listen_port: %d", cfg.ListenPort)
	}
	if cfg.DayWindow <= 0 {
		return nil, fmt.Errorf("invalid day_window: %d", cfg.DayWindow)
	}

	return &cfg, nil
}

// EnsureStateDir creates the directory holding the state database.
func (c *Config) EnsureStateDir() error {
	dir := filepath.Dir(c.StatePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return nil
}

// findConfigFile finds the config file in the given directory. Returns
// empty string if not found.
func findConfigFile(dir string) string {
	for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
