// Package config loads settings from defaults, an optional YAML file, a
// .env file and the environment, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"remote-clauding/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. RC_RELAY_ADDR.
const EnvPrefix = "RC"

// Mode names the process a configuration is validated for.
type Mode string

const (
	ModeRelay Mode = "relay"
	ModeAgent Mode = "agent"
)

type Config struct {
	Log     logging.Config `mapstructure:"log"`
	Relay   RelayConfig    `mapstructure:"relay"`
	Auth    AuthConfig     `mapstructure:"auth"`
	Push    PushConfig     `mapstructure:"push"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Agent   AgentConfig    `mapstructure:"agent"`
}

type RelayConfig struct {
	Addr        string `mapstructure:"addr"`
	StaticDir   string `mapstructure:"static_dir"`
	HistorySize int    `mapstructure:"history_size"`
	SendBuffer  int    `mapstructure:"send_buffer"`
	PublicURL   string `mapstructure:"public_url"`
}

type AuthConfig struct {
	Tokens    []string `mapstructure:"tokens"`
	TokenFile string   `mapstructure:"token_file"`
	JWTSecret string   `mapstructure:"jwt_secret"`
}

type PushConfig struct {
	Store           string        `mapstructure:"store"` // memory or sqlite
	DSN             string        `mapstructure:"dsn"`
	VAPIDPublicKey  string        `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string        `mapstructure:"vapid_private_key"`
	VAPIDSubject    string        `mapstructure:"vapid_subject"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Workers         int           `mapstructure:"workers"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AgentConfig struct {
	RelayURL       string `mapstructure:"relay_url"`
	Token          string `mapstructure:"token"`
	Addr           string `mapstructure:"addr"`
	ClaudeBinary   string `mapstructure:"claude_binary"`
	RelayPublicURL string `mapstructure:"relay_public_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)

	v.SetDefault("relay.addr", ":3001")
	v.SetDefault("relay.static_dir", "")
	v.SetDefault("relay.history_size", 200)
	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("relay.public_url", "")

	v.SetDefault("auth.tokens", []string{})
	v.SetDefault("auth.token_file", "")
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("push.store", "memory")
	v.SetDefault("push.dsn", "push.db")
	v.SetDefault("push.vapid_public_key", "")
	v.SetDefault("push.vapid_private_key", "")
	v.SetDefault("push.vapid_subject", "mailto:remote-clauding@example.com")
	v.SetDefault("push.timeout", 10*time.Second)
	v.SetDefault("push.workers", 4)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("agent.relay_url", "ws://localhost:3001")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.addr", "127.0.0.1:9680")
	v.SetDefault("agent.claude_binary", "claude")
	v.SetDefault("agent.relay_public_url", "")
}

// legacyEnv lists the unprefixed variable names older deployments used.
var legacyEnv = map[string][]string{
	"auth.tokens":            {"AUTH_TOKEN"},
	"agent.token":            {"AUTH_TOKEN"},
	"agent.relay_url":        {"RELAY_URL"},
	"agent.relay_public_url": {"RELAY_PUBLIC_URL"},
	"relay.static_dir":       {"STATIC_DIR"},
	"push.vapid_public_key":  {"VAPID_PUBLIC_KEY"},
	"push.vapid_private_key": {"VAPID_PRIVATE_KEY"},
	"push.vapid_subject":     {"VAPID_SUBJECT"},
}

// Load reads configuration. An empty path skips the config file; a .env
// file in the working directory is applied when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyPorts(&cfg)
	return cfg, nil
}

// applyPorts maps the bare PORT and HTTP_PORT variables onto listen
// addresses unless the prefixed address variables are set.
func applyPorts(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" && os.Getenv(EnvPrefix+"_RELAY_ADDR") == "" {
		cfg.Relay.Addr = ":" + port
	}
	if port := os.Getenv("HTTP_PORT"); port != "" && os.Getenv(EnvPrefix+"_AGENT_ADDR") == "" {
		cfg.Agent.Addr = "127.0.0.1:" + port
	}
}

// Validate checks the settings mode depends on.
func (c Config) Validate(mode Mode) error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch mode {
	case ModeRelay:
		if c.Relay.Addr == "" {
			return errors.New("relay.addr is required")
		}
		if c.Relay.HistorySize < 1 {
			return fmt.Errorf("relay.history_size must be at least 1, got %d", c.Relay.HistorySize)
		}
		if len(c.Auth.Tokens) == 0 && c.Auth.TokenFile == "" && c.Auth.JWTSecret == "" {
			return errors.New("one of auth.tokens, auth.token_file or auth.jwt_secret is required")
		}
		switch c.Push.Store {
		case "memory":
		case "sqlite":
			if c.Push.DSN == "" {
				return errors.New("push.dsn is required for the sqlite store")
			}
		default:
			return fmt.Errorf("unknown push.store %q", c.Push.Store)
		}
		if c.Push.Workers < 1 {
			return fmt.Errorf("push.workers must be at least 1, got %d", c.Push.Workers)
		}
		if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
			return errors.New("push.vapid_public_key and push.vapid_private_key must be set together")
		}
	case ModeAgent:
		if c.Agent.RelayURL == "" {
			return errors.New("agent.relay_url is required")
		}
		if c.Agent.Token == "" {
			return errors.New("agent.token is required")
		}
		if c.Agent.Addr == "" {
			return errors.New("agent.addr is required")
		}
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	return nil
}
