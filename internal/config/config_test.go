package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3001", cfg.Relay.Addr)
	assert.Equal(t, 200, cfg.Relay.HistorySize)
	assert.Equal(t, "memory", cfg.Push.Store)
	assert.Equal(t, 10*time.Second, cfg.Push.Timeout)
	assert.Equal(t, "mailto:remote-clauding@example.com", cfg.Push.VAPIDSubject)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9680", cfg.Agent.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay:
  addr: ":8080"
  history_size: 50
auth:
  tokens: [a, b]
push:
  store: sqlite
  dsn: /tmp/push.db
  timeout: 3s
log:
  level: debug
`), 0o600))
	t.Setenv("RC_RELAY_HISTORY_SIZE", "75")
	t.Setenv("RC_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Relay.Addr)
	assert.Equal(t, 75, cfg.Relay.HistorySize)
	assert.Equal(t, []string{"a", "b"}, cfg.Auth.Tokens)
	assert.Equal(t, "sqlite", cfg.Push.Store)
	assert.Equal(t, 3*time.Second, cfg.Push.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	require.NoError(t, cfg.Validate(ModeRelay))
}

func TestLoad_LegacyEnv(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("AUTH_TOKEN", "secret")
	t.Setenv("RELAY_URL", "wss://relay.example")
	t.Setenv("VAPID_PUBLIC_KEY", "BPUB")
	t.Setenv("VAPID_SUBJECT", "mailto:ops@example.com")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Relay.Addr)
	assert.Equal(t, "127.0.0.1:9999", cfg.Agent.Addr)
	assert.Equal(t, []string{"secret"}, cfg.Auth.Tokens)
	assert.Equal(t, "secret", cfg.Agent.Token)
	assert.Equal(t, "wss://relay.example", cfg.Agent.RelayURL)
	assert.Equal(t, "BPUB", cfg.Push.VAPIDPublicKey)
	assert.Equal(t, "mailto:ops@example.com", cfg.Push.VAPIDSubject)
}

func TestLoad_PrefixedBeatsLegacy(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "legacy")
	t.Setenv("RC_AGENT_TOKEN", "prefixed")
	t.Setenv("PORT", "4000")
	t.Setenv("RC_RELAY_ADDR", ":5000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cfg.Agent.Token)
	assert.Equal(t, ":5000", cfg.Relay.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	relay := base
	relay.Auth.Tokens = []string{"t"}
	require.NoError(t, relay.Validate(ModeRelay))

	withPush := relay
	withPush.Push.VAPIDPublicKey = "BPUB"
	withPush.Push.VAPIDPrivateKey = "priv"
	require.NoError(t, withPush.Validate(ModeRelay))

	cases := map[string]func(c *Config){
		"no auth":      func(c *Config) { c.Auth.Tokens = nil },
		"empty addr":   func(c *Config) { c.Relay.Addr = "" },
		"history":      func(c *Config) { c.Relay.HistorySize = 0 },
		"push store":   func(c *Config) { c.Push.Store = "redis" },
		"sqlite dsn":   func(c *Config) { c.Push.Store = "sqlite"; c.Push.DSN = "" },
		"workers":      func(c *Config) { c.Push.Workers = 0 },
		"bad loglevel": func(c *Config) { c.Log.Level = "loud" },
		"vapid public": func(c *Config) { c.Push.VAPIDPublicKey = "BPUB" },
		"vapid priv":   func(c *Config) { c.Push.VAPIDPrivateKey = "priv" },
	}
	for name, mutate := range cases {
		c := relay
		mutate(&c)
		assert.Error(t, c.Validate(ModeRelay), name)
	}

	agent := base
	assert.Error(t, agent.Validate(ModeAgent), "missing token")
	agent.Agent.Token = "t"
	require.NoError(t, agent.Validate(ModeAgent))
	agent.Agent.RelayURL = ""
	assert.Error(t, agent.Validate(ModeAgent))

	assert.Error(t, base.Validate(Mode("other")))
}
