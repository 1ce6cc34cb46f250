package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BridgeConfig holds WhatsApp bridge connection settings.
type BridgeConfig struct {
	URL         string `mapstructure:"url"`
	SendTimeout int    `mapstructure:"send_timeout_seconds"`
	EventsURL   string `mapstructure:"events_url"`
}

// DaemonConfig holds the webhook HTTP server settings.
type DaemonConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LLMConfig holds Anthropic API engine settings. The API key is only ever
// read from the ANTHROPIC_API_KEY environment variable.
type LLMConfig struct {
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	APIKey      string  `mapstructure:"-"`
}

// ClaudeConfig holds Claude Code CLI engine settings.
type ClaudeConfig struct {
	Model        string `mapstructure:"model"`
	MaxTurns     int    `mapstructure:"max_turns"`
	Timeout      int    `mapstructure:"timeout_seconds"`
	WorkspaceDir string `mapstructure:"workspace_dir"`
	MCPConfig    string `mapstructure:"mcp_config"`
}

// SessionConfig holds conversation session settings.
type SessionConfig struct {
	StorageDir             string `mapstructure:"storage_dir"`
	IdleResetMinutes       int    `mapstructure:"idle_reset_minutes"`
	MaxHistoryTokens       int    `mapstructure:"max_history_tokens"`
	CompactionTargetTokens int    `mapstructure:"compaction_target_tokens"`
}

// PairingConfig holds access control settings.
type PairingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	DBPath            string `mapstructure:"db_path"`
	CodeExpiryMinutes int    `mapstructure:"code_expiry_minutes"`
	CodeLength        int    `mapstructure:"code_length"`
}

// SecurityConfig holds guardrails for outbound traffic.
type SecurityConfig struct {
	AllowedRecipients []string `mapstructure:"allowed_recipients"`
	BlockGroups       bool     `mapstructure:"block_groups"`
	RateLimitSeconds  float64  `mapstructure:"rate_limit_seconds"`
	MaxMessageLength  int      `mapstructure:"max_message_length"`
}

// TelegramConfig holds the owner notification channel settings.
type TelegramConfig struct {
	Token          string  `mapstructure:"token"`
	ChatID         int64   `mapstructure:"chat_id"`
	AllowedUserIDs []int64 `mapstructure:"allowed_user_ids"`
}

// Config is the root configuration for the auto-reply daemon.
type Config struct {
	Bridge      BridgeConfig   `mapstructure:"bridge"`
	Daemon      DaemonConfig   `mapstructure:"daemon"`
	Engine      string         `mapstructure:"engine"`
	LLM         LLMConfig      `mapstructure:"llm"`
	Claude      ClaudeConfig   `mapstructure:"claude"`
	Session     SessionConfig  `mapstructure:"session"`
	Pairing     PairingConfig  `mapstructure:"pairing"`
	Security    SecurityConfig `mapstructure:"security"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
	PersonaFile string         `mapstructure:"persona_file"`

	// WebhookSecret arms X-Webhook-Secret validation when set. Env only.
	WebhookSecret string `mapstructure:"-"`
}

// SendTimeout returns the bridge send timeout as a duration.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Bridge.SendTimeout) * time.Second
}

// IdleReset returns the session idle reset window as a duration.
func (c *Config) IdleReset() time.Duration {
	return time.Duration(c.Session.IdleResetMinutes) * time.Minute
}

// CodeExpiry returns the pairing code lifetime as a duration.
func (c *Config) CodeExpiry() time.Duration {
	return time.Duration(c.Pairing.CodeExpiryMinutes) * time.Minute
}

// ClaudeTimeout returns the CLI engine timeout as a duration.
func (c *Config) ClaudeTimeout() time.Duration {
	return time.Duration(c.Claude.Timeout) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bridge.url", "http://localhost:8082/api")
	v.SetDefault("bridge.send_timeout_seconds", 10)
	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 8084)
	v.SetDefault("engine", "api")
	v.SetDefault("llm.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("claude.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("claude.max_turns", 5)
	v.SetDefault("claude.timeout_seconds", 120)
	v.SetDefault("claude.workspace_dir", "workspace")
	v.SetDefault("session.storage_dir", "sessions")
	v.SetDefault("session.idle_reset_minutes", 60)
	v.SetDefault("session.max_history_tokens", 50000)
	v.SetDefault("session.compaction_target_tokens", 10000)
	v.SetDefault("pairing.enabled", true)
	v.SetDefault("pairing.db_path", "store/pairing.db")
	v.SetDefault("pairing.code_expiry_minutes", 10)
	v.SetDefault("pairing.code_length", 6)
	v.SetDefault("security.block_groups", true)
	v.SetDefault("security.rate_limit_seconds", 5.0)
	v.SetDefault("security.max_message_length", 4096)
	v.SetDefault("persona_file", "PERSONA.md")
}

// Load reads configuration from a YAML file with environment overrides. A
// missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.WebhookSecret = os.Getenv("AUTOREPLY_WEBHOOK_SECRET")

	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}

	// Comma-separated override for the recipient allowlist.
	if raw := os.Getenv("WHATSAPP_ALLOWED_RECIPIENT"); raw != "" {
		var jids []string
		for _, jid := range strings.Split(raw, ",") {
			if jid = strings.TrimSpace(jid); jid != "" {
				jids = append(jids, jid)
			}
		}
		cfg.Security.AllowedRecipients = jids
	}

	if cfg.Engine != "api" && cfg.Engine != "cli" {
		return nil, fmt.Errorf("unknown engine %q (want \"api\" or \"cli\")", cfg.Engine)
	}

	return &cfg, nil
}
