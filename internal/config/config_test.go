package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvPath, EnvRelays, EnvLogLevel, EnvLogFormat} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
relays:
  - url: wss://groups.example.com
    groups: [group123, other]
log:
  level: debug
subscriptions:
  linger: 30s
publish:
  timeout: 3s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []Relay{{URL: "wss://groups.example.com", Groups: []string{"group123", "other"}}}, cfg.Relays)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "unset fields keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Subscriptions.Linger)
	assert.Equal(t, 10*time.Second, cfg.Subscriptions.FetchTimeout)
	assert.Equal(t, 3*time.Second, cfg.Publish.Timeout)
	assert.Equal(t, []string{"wss://groups.example.com"}, cfg.RelayURLs())
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
relays:
  - url: wss://a.example.com
    groups: [g1]
`)
	t.Setenv(EnvRelays, "wss://a.example.com, wss://b.example.com,")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvLogFormat, "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []Relay{
		{URL: "wss://a.example.com", Groups: []string{"g1"}},
		{URL: "wss://b.example.com"},
	}, cfg.Relays)
	assert.Equal(t, LogConfig{Level: "warn", Format: "json"}, cfg.Log)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	tests := map[string]string{
		"malformed":       "relays: [",
		"not websocket":   "relays:\n  - url: https://example.com\n",
		"negative linger": "subscriptions:\n  linger: -1s\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestPath(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPath, "/etc/nostrgroups.yaml")
	path, err := Path()
	require.NoError(t, err)
	assert.Equal(t, "/etc/nostrgroups.yaml", path)
}

func TestSaveThenLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Relays = []Relay{{URL: "wss://groups.example.com", Groups: []string{"group123"}}}
	cfg.Subscriptions.Linger = 5 * time.Second
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}
