package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Relay.Address)
	assert.Equal(t, 3*time.Second, cfg.Signaling.ReconnectDelay)
	assert.NotEmpty(t, cfg.WebRTC.STUNServers)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
relay:
  address: ":9999"
signaling:
  reconnect_delay: 5s
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Relay.Address)
	assert.Equal(t, 5*time.Second, cfg.Signaling.ReconnectDelay)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Relay.PingInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CALLNET_RELAY_ADDRESS", ":7070")
	t.Setenv("CALLNET_SIGNALING_URL", "ws://relay.internal:7070")
	t.Setenv("CALLNET_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Relay.Address)
	assert.Equal(t, "ws://relay.internal:7070", cfg.Signaling.URL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty relay address", func(c *Config) { c.Relay.Address = "" }},
		{"pong not above ping", func(c *Config) { c.Relay.PongTimeout = c.Relay.PingInterval }},
		{"empty signaling url", func(c *Config) { c.Signaling.URL = "" }},
		{"zero reconnect delay", func(c *Config) { c.Signaling.ReconnectDelay = 0 }},
		{"no stun servers", func(c *Config) { c.WebRTC.STUNServers = nil }},
		{"rate limit without rate", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.MessagesPerSecond = 0
		}},
		{"tracing without url", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.JaegerURL = ""
		}},
		{"bad sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
		{"empty log level", func(c *Config) { c.Logging.Level = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay: ["), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
