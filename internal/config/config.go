// Package config loads and validates the groupbot configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath  = "config.toml"
	DefaultHTTPAddr    = ":8080"
	DefaultAPIEndpoint = "https://api.grouphour.com/v1"
	DefaultPendingTTL  = "15m"
	DefaultSendTimeout = "30s"
)

type Config struct {
	Log    LogConfig    `toml:"log"`
	Server ServerConfig `toml:"server"`
	Bot    BotConfig    `toml:"bot"`
	OAuth2 OAuth2Config `toml:"oauth2"`
	Link   LinkConfig   `toml:"link"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// BotConfig holds the platform-side bot credentials.
type BotConfig struct {
	VerifyToken  string `toml:"verify_token" validate:"required"`
	ClientID     string `toml:"client_id" validate:"required"`
	ClientSecret string `toml:"client_secret" validate:"required"`
	OrgID        string `toml:"org_id"`
	APIEndpoint  string `toml:"api_endpoint" validate:"required,url"`
	SendTimeout  string `toml:"send_timeout"`

	// GenericOnMatch publishes the generic message event even when at least
	// one keyword handler already matched. Off by default so handlers are not
	// invoked twice for the same comment.
	GenericOnMatch bool `toml:"generic_on_match"`
}

// OAuth2Config describes the third-party authorization server used for
// account linking.
type OAuth2Config struct {
	ClientID     string `toml:"client_id" validate:"required"`
	ClientSecret string `toml:"client_secret" validate:"required"`
	Endpoint     string `toml:"endpoint" validate:"required,url"`
	AuthPath     string `toml:"auth_path" validate:"required"`
	TokenPath    string `toml:"token_path" validate:"required"`
	RedirectURI  string `toml:"redirect_uri" validate:"required,url"`
}

type LinkConfig struct {
	PendingTTL string `toml:"pending_ttl"`
}

// PendingTTLDuration parses the pending-entry TTL, falling back to the
// default when unset.
func (c LinkConfig) PendingTTLDuration() (time.Duration, error) {
	raw := c.PendingTTL
	if raw == "" {
		raw = DefaultPendingTTL
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("link.pending_ttl: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("link.pending_ttl must be positive")
	}
	return d, nil
}

// SendTimeoutDuration parses the outbound request timeout.
func (c BotConfig) SendTimeoutDuration() (time.Duration, error) {
	raw := c.SendTimeout
	if raw == "" {
		raw = DefaultSendTimeout
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("bot.send_timeout: %w", err)
	}
	return d, nil
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Bot: BotConfig{
			APIEndpoint: DefaultAPIEndpoint,
			SendTimeout: DefaultSendTimeout,
		},
		Link: LinkConfig{
			PendingTTL: DefaultPendingTTL,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks required fields. The serve command calls it after Load so
// a missing config file still fails fast instead of running unauthenticated.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Link.PendingTTLDuration(); err != nil {
		return err
	}
	if _, err := c.Bot.SendTimeoutDuration(); err != nil {
		return err
	}
	return nil
}
