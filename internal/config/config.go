// Package config loads the runtime's persistent settings from a TOML file
// under the platform user-config directory and exposes the session-key
// normalization rule shared by the client loop and the config defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the immutable, in-memory snapshot loaded once at startup. All
// fields are optional; a missing or malformed file yields the defaults
// (DefaultGatewayURL for the gateway URL, zero values elsewhere).
type Config struct {
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	R2       R2Config       `mapstructure:"r2"`
	Session  SessionConfig  `mapstructure:"session"`
	Channels ChannelsConfig `mapstructure:"channels"`
}

// GatewayConfig holds the remote WebSocket endpoint and bearer token.
type GatewayConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// R2Config holds object-storage credentials used by the deploy/mount shells
// (out of scope here; carried only so the config schema round-trips).
type R2Config struct {
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
}

// SessionConfig holds the default chat session key.
type SessionConfig struct {
	DefaultKey string `mapstructure:"default_key"`
}

// ChannelsConfig groups per-channel settings; only WhatsApp is modeled.
type ChannelsConfig struct {
	WhatsApp WhatsAppChannelConfig `mapstructure:"whatsapp"`
}

// WhatsAppChannelConfig holds the WhatsApp channel backend's URL/token,
// each taken from an environment variable when unset in the file.
type WhatsAppChannelConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

const (
	configDirName  = "gsv"
	configFileName = "config"
	configFileType = "toml"
)

// DefaultGatewayURL is used when neither the config file nor GSV_URL sets
// one.
const DefaultGatewayURL = "ws://localhost:8787/ws"

// Path returns the on-disk location of the config file under the platform
// user-config directory (XDG on Linux).
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	return filepath.Join(dir, configDirName, configFileName+"."+configFileType), nil
}

// Load reads <user-config-dir>/gsv/config.toml, applying GSV_URL/GSV_TOKEN
// env overrides and falling back to WHATSAPP_CHANNEL_URL/
// WHATSAPP_CHANNEL_TOKEN for WhatsApp settings the file leaves unset. A missing
// file falls back to defaults silently; a malformed file falls back to
// defaults with a logged warning (the caller supplies the logger so this
// package stays side-effect free on its own).
func Load(warn func(format string, args ...any)) (*Config, error) {
	v := viper.New()
	v.SetConfigType(configFileType)

	v.SetDefault("gateway.url", DefaultGatewayURL)
	v.SetDefault("session.default_key", "")

	path, err := Path()
	if err != nil {
		return nil, err
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				if warn != nil {
					warn("config: malformed file %s, using defaults: %v", path, err)
				}
			}
		}
	}

	bindEnv(v, "gateway.url", "GSV_URL")
	bindEnv(v, "gateway.token", "GSV_TOKEN")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		if warn != nil {
			warn("config: unmarshal %s, using defaults: %v", path, err)
		}
		return &Config{Gateway: GatewayConfig{URL: DefaultGatewayURL}}, nil
	}
	if cfg.Channels.WhatsApp.URL == "" {
		cfg.Channels.WhatsApp.URL = os.Getenv("WHATSAPP_CHANNEL_URL")
	}
	if cfg.Channels.WhatsApp.Token == "" {
		cfg.Channels.WhatsApp.Token = os.Getenv("WHATSAPP_CHANNEL_TOKEN")
	}
	return &cfg, nil
}

func bindEnv(v *viper.Viper, key, env string) {
	if err := v.BindEnv(key, env); err != nil {
		panic(fmt.Sprintf("config: bind env %s: %v", env, err))
	}
}

// DefaultSessionKey is the canonical session key both "" and "main" expand
// to.
const DefaultSessionKey = "agent:main:cli:dm:main"

// NormalizeSessionKey canonicalizes a chat session key: the sentinels ""
// and "main" expand to the default agent/channel/kind/conversation key;
// every other value is only whitespace-trimmed.
// Idempotent: NormalizeSessionKey(NormalizeSessionKey(x)) == NormalizeSessionKey(x).
func NormalizeSessionKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || trimmed == "main" {
		return DefaultSessionKey
	}
	return trimmed
}
