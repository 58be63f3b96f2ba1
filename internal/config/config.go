package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/richmal13/chatty-pals-roulette/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Presence Presence `json:"presence"`
	Media    Media    `json:"media"`
}

type Identity struct {
	// Name is the self-chosen ephemeral identifier. Empty means a
	// random petname is generated at startup.
	Name string `json:"name"`
}

type Presence struct {
	// ServerURL is the presenced websocket endpoint, e.g.
	// "ws://localhost:8787/ws". Empty means a local SQLite store at
	// DBPath (single-node operation, useful for development).
	ServerURL string `json:"server_url"`

	// DBPath is the SQLite path used when ServerURL is empty.
	DBPath string `json:"db_path"`

	// HeartbeatSec is how often the own liveness timestamp is
	// refreshed. Must be materially shorter than StalenessSec.
	HeartbeatSec int `json:"heartbeat_seconds"`

	// StalenessSec is the liveness window: a record older than this is
	// considered abandoned and is excluded from matching and reaped.
	StalenessSec int `json:"staleness_seconds"`
}

type Media struct {
	// STUNServers for candidate discovery.
	STUNServers []string `json:"stun_servers"`
}

func Default() Config {
	return Config{
		Presence: Presence{
			DBPath:       "data/presence.db",
			HeartbeatSec: 10,
			StalenessSec: 30,
		},
		Media: Media{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

func (c *Config) Validate() error {
	if c.Identity.Name != "" {
		if _, err := util.ValidateIdentity(c.Identity.Name); err != nil {
			return fmt.Errorf("identity.name: %v", err)
		}
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.StalenessSec <= 0 {
		return errors.New("presence.staleness_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.StalenessSec {
		return errors.New("presence.heartbeat_seconds must be < presence.staleness_seconds")
	}

	if s := strings.TrimSpace(c.Presence.ServerURL); s != "" {
		u, err := url.Parse(s)
		if err != nil {
			return fmt.Errorf("presence.server_url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("presence.server_url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("presence.server_url is missing a host")
		}
	} else if strings.TrimSpace(c.Presence.DBPath) == "" {
		return errors.New("presence.db_path is required when no server_url is set")
	}

	if len(c.Media.STUNServers) == 0 {
		return errors.New("media.stun_servers must not be empty")
	}
	return nil
}

// Load reads the config at path, creating it with defaults when absent.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := Save(path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
