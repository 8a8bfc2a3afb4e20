// Package config loads and persists the per-machine board configuration,
// most importantly the stable user ID that namespaces strokes in the shared
// tree.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config is the top-level TOML structure.
type Config struct {
	UserID      string  `toml:"user_id"`      // generated on first run, never changes after
	DisplayName string  `toml:"display_name"` // shown in the window title
	HubPort     int     `toml:"hub_port"`     // port the hub listens on when hosting
	AspectRatio float64 `toml:"aspect_ratio"` // ratio for pages this board creates
}

const (
	defaultHubPort     = 8877
	defaultAspectRatio = 1.6
)

func defaults() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "board"
	}
	return Config{
		DisplayName: host,
		HubPort:     defaultHubPort,
		AspectRatio: defaultAspectRatio,
	}
}

// dir returns the directory for qenboard config files,
// using XDG_CONFIG_HOME or falling back to the OS default.
func dir() (string, error) {
	d, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("user config dir: %w", err)
	}
	return filepath.Join(d, "qenboard"), nil
}

func path() (string, error) {
	d, err := dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "qenboard.toml"), nil
}

// Load reads the config file, creating it with defaults on first run. A
// missing or malformed user ID is replaced with a fresh UUID and written
// back, so the ID survives restarts.
func Load() (Config, error) {
	cfg := defaults()

	p, err := path()
	if err != nil {
		cfg.UserID = uuid.NewString()
		return cfg, err
	}

	if data, readErr := os.ReadFile(p); readErr == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", p, err)
		}
	} else if !os.IsNotExist(readErr) {
		return cfg, fmt.Errorf("read config: %w", readErr)
	}

	cfg = normalize(cfg)
	if _, err := uuid.Parse(cfg.UserID); err != nil {
		cfg.UserID = uuid.NewString()
		if saveErr := Save(cfg); saveErr != nil {
			return cfg, saveErr
		}
	}
	return cfg, nil
}

// Save writes the config back to disk.
func Save(cfg Config) error {
	p, err := path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(normalize(cfg)); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(p, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func normalize(cfg Config) Config {
	out := cfg
	if out.DisplayName == "" {
		out.DisplayName = defaults().DisplayName
	}
	if out.HubPort < 1 || out.HubPort > 65535 {
		out.HubPort = defaultHubPort
	}
	if out.AspectRatio <= 0 {
		out.AspectRatio = defaultAspectRatio
	}
	return out
}
