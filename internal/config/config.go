// Package config loads client settings from a YAML file with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "~/.config/nostr/nostrgroups/config.yaml"

	EnvPath      = "NOSTR_GROUPS_CONFIG"
	EnvRelays    = "NOSTR_GROUPS_RELAYS"
	EnvLogLevel  = "LOG_LEVEL"
	EnvLogFormat = "LOG_FORMAT"
)

type Config struct {
	Relays        []Relay             `yaml:"relays"`
	ProfileRelays []string            `yaml:"profile_relays"`
	KeyDir        string              `yaml:"key_dir"`
	Log           LogConfig           `yaml:"log"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Publish       PublishConfig       `yaml:"publish"`
}

// Relay is a relay URL and the group ids joined on it.
type Relay struct {
	URL    string   `yaml:"url"`
	Groups []string `yaml:"groups,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SubscriptionsConfig struct {
	// Linger keeps an unreferenced subscription open this long.
	Linger       time.Duration `yaml:"linger"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type PublishConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

func Default() Config {
	return Config{
		ProfileRelays: []string{"wss://purplepag.es", "wss://relay.nostr.band"},
		KeyDir:        "~/.config/nostr/nostrgroups",
		Log:           LogConfig{Level: "info", Format: "text"},
		Subscriptions: SubscriptionsConfig{FetchTimeout: 10 * time.Second},
		Publish:       PublishConfig{Timeout: 10 * time.Second},
	}
}

// Path is the config file location: $NOSTR_GROUPS_CONFIG or DefaultPath,
// with ~ expanded.
func Path() (string, error) {
	path := os.Getenv(EnvPath)
	if path == "" {
		path = DefaultPath
	}
	return homedir.Expand(path)
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv(EnvRelays); v != "" {
		var relays []Relay
		for _, url := range strings.Split(v, ",") {
			if url = strings.TrimSpace(url); url != "" {
				relays = append(relays, Relay{URL: url, Groups: c.groups(url)})
			}
		}
		c.Relays = relays
	}
}

func (c *Config) groups(url string) []string {
	for _, r := range c.Relays {
		if r.URL == url {
			return r.Groups
		}
	}
	return nil
}

func (c *Config) validate() error {
	var errs []error
	for i, r := range c.Relays {
		if !strings.HasPrefix(r.URL, "ws://") && !strings.HasPrefix(r.URL, "wss://") {
			errs = append(errs, fmt.Errorf("relays[%d]: %q is not a websocket url", i, r.URL))
		}
	}
	if c.Subscriptions.Linger < 0 {
		errs = append(errs, errors.New("subscriptions.linger must not be negative"))
	}
	return errors.Join(errs...)
}

// Save writes the config to path, creating parent directories.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// RelayURLs lists the configured relay URLs in order.
func (c Config) RelayURLs() []string {
	urls := make([]string, 0, len(c.Relays))
	for _, r := range c.Relays {
		urls = append(urls, r.URL)
	}
	return urls
}
