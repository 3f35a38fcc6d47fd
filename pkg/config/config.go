// Package config loads and validates the bridge configuration.
// Configuration comes from a JSON file with environment variable
// overrides. Required channel credentials are validated up front:
// a misconfigured channel is a startup failure, never a silent default.
package config

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the root configuration for the bridge daemon.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Channels ChannelsConfig `json:"channels"`
	Session  SessionConfig  `json:"session"`
	LogLevel string         `json:"log_level" env:"PICOBRIDGE_LOG_LEVEL"`
	DataDir  string         `json:"data_dir" env:"PICOBRIDGE_DATA_DIR"`
}

// GatewayConfig controls the HTTP surface.
type GatewayConfig struct {
	Host   string `json:"host" env:"PICOBRIDGE_HOST"`
	Port   int    `json:"port" env:"PICOBRIDGE_PORT"`
	APIKey string `json:"api_key" env:"PICOBRIDGE_API_KEY"`
}

// SessionConfig controls session lifecycle.
type SessionConfig struct {
	IdleTimeoutMinutes int    `json:"idle_timeout_minutes" env:"PICOBRIDGE_IDLE_TIMEOUT_MINUTES"`
	SweepSchedule      string `json:"sweep_schedule" env:"PICOBRIDGE_SWEEP_SCHEDULE"`
}

// ChannelsConfig holds the per-transport credential blocks. A nil block
// means the channel is not configured and will not be constructed.
type ChannelsConfig struct {
	Email    *EmailConfig    `json:"email,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Discord  *DiscordConfig  `json:"discord,omitempty"`
	Twilio   *TwilioConfig   `json:"twilio,omitempty"`
}

// EmailConfig configures SMTP delivery and IMAP reply polling.
type EmailConfig struct {
	SMTPHost            string `json:"smtp_host" env:"PICOBRIDGE_SMTP_HOST"`
	SMTPPort            int    `json:"smtp_port" env:"PICOBRIDGE_SMTP_PORT"`
	IMAPHost            string `json:"imap_host" env:"PICOBRIDGE_IMAP_HOST"`
	IMAPPort            int    `json:"imap_port" env:"PICOBRIDGE_IMAP_PORT"`
	Username            string `json:"username" env:"PICOBRIDGE_EMAIL_USERNAME"`
	Password            string `json:"password" env:"PICOBRIDGE_EMAIL_PASSWORD"`
	From                string `json:"from" env:"PICOBRIDGE_EMAIL_FROM"`
	To                  string `json:"to" env:"PICOBRIDGE_EMAIL_TO"`
	PollIntervalSeconds int    `json:"poll_interval_seconds" env:"PICOBRIDGE_EMAIL_POLL_SECONDS"`
}

// TelegramConfig configures the long-poll bot.
type TelegramConfig struct {
	Token  string `json:"token" env:"PICOBRIDGE_TELEGRAM_TOKEN"`
	ChatID int64  `json:"chat_id" env:"PICOBRIDGE_TELEGRAM_CHAT_ID"`
}

// DiscordConfig configures the gateway listener.
type DiscordConfig struct {
	Token     string `json:"token" env:"PICOBRIDGE_DISCORD_TOKEN"`
	ChannelID string `json:"channel_id" env:"PICOBRIDGE_DISCORD_CHANNEL_ID"`
}

// TwilioConfig configures SMS delivery and the inbound webhook.
type TwilioConfig struct {
	AccountSID string `json:"account_sid" env:"PICOBRIDGE_TWILIO_ACCOUNT_SID"`
	AuthToken  string `json:"auth_token" env:"PICOBRIDGE_TWILIO_AUTH_TOKEN"`
	FromNumber string `json:"from_number" env:"PICOBRIDGE_TWILIO_FROM"`
	ToNumber   string `json:"to_number" env:"PICOBRIDGE_TWILIO_TO"`
	WebhookURL string `json:"webhook_url" env:"PICOBRIDGE_TWILIO_WEBHOOK_URL"`
}

// DefaultDataDir is used when neither config nor environment set one.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".picobridge"
	}
	return filepath.Join(home, ".picobridge")
}

// Load reads the config file at path (missing file means all defaults),
// applies environment overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to env + defaults
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8790
	}
	if c.Session.IdleTimeoutMinutes == 0 {
		c.Session.IdleTimeoutMinutes = 30
	}
	if c.Session.SweepSchedule == "" {
		c.Session.SweepSchedule = "*/5 * * * *"
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Channels.Email != nil {
		e := c.Channels.Email
		if e.SMTPPort == 0 {
			e.SMTPPort = 587
		}
		if e.IMAPPort == 0 {
			e.IMAPPort = 993
		}
		if e.IMAPHost == "" {
			e.IMAPHost = e.SMTPHost
		}
		if e.PollIntervalSeconds == 0 {
			e.PollIntervalSeconds = 30
		}
	}
}

// Validate applies the fail-fast rules for required fields. Optional
// transport parameters were already defaulted; required credentials
// must be present and well formed.
func (c *Config) Validate() error {
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: gateway port %d out of range", c.Gateway.Port)
	}
	if c.Session.IdleTimeoutMinutes < 1 {
		return fmt.Errorf("config: idle timeout must be at least one minute")
	}

	if e := c.Channels.Email; e != nil {
		if e.SMTPHost == "" {
			return fmt.Errorf("config: email channel requires smtp_host")
		}
		if e.Username == "" || e.Password == "" {
			return fmt.Errorf("config: email channel requires username and password")
		}
		if _, err := mail.ParseAddress(e.From); err != nil {
			return fmt.Errorf("config: email from address %q: %w", e.From, err)
		}
		if _, err := mail.ParseAddress(e.To); err != nil {
			return fmt.Errorf("config: email to address %q: %w", e.To, err)
		}
		if e.PollIntervalSeconds < 1 {
			return fmt.Errorf("config: email poll interval must be positive")
		}
	}

	if t := c.Channels.Telegram; t != nil {
		if t.Token == "" {
			return fmt.Errorf("config: telegram channel requires token")
		}
		if t.ChatID == 0 {
			return fmt.Errorf("config: telegram channel requires chat_id")
		}
	}

	if d := c.Channels.Discord; d != nil {
		if d.Token == "" {
			return fmt.Errorf("config: discord channel requires token")
		}
		if d.ChannelID == "" {
			return fmt.Errorf("config: discord channel requires channel_id")
		}
	}

	if t := c.Channels.Twilio; t != nil {
		if t.AccountSID == "" || t.AuthToken == "" {
			return fmt.Errorf("config: twilio channel requires account_sid and auth_token")
		}
		if !strings.HasPrefix(t.FromNumber, "+") {
			return fmt.Errorf("config: twilio from_number %q must be E.164", t.FromNumber)
		}
		if !strings.HasPrefix(t.ToNumber, "+") {
			return fmt.Errorf("config: twilio to_number %q must be E.164", t.ToNumber)
		}
	}

	return nil
}

// StatePath is the GlobalState file location.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.json")
}

// SeenDBPath is the processed-message dedup database location.
func (c *Config) SeenDBPath() string {
	return filepath.Join(c.DataDir, "seen.db")
}

// TemplatesPath is the notification template directory.
func (c *Config) TemplatesPath() string {
	return filepath.Join(c.DataDir, "templates")
}
