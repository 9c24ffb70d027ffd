// Package config loads the gateway's single YAML configuration document:
// read file, expand environment variables, unmarshal, apply defaults,
// validate. This follows the shape of the teacher's internal/config
// loader.go, trimmed from its $include-resolving, multi-file form down to
// the one-shot load this gateway needs — there is no config file type
// to dispatch on, no include graph, just env-substitution plus yaml.v3.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration surface from spec.md §6.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Agent      AgentConfig      `yaml:"agent"`
	Messenger  MessengerConfig  `yaml:"messenger"`
	Services   string           `yaml:"services"` // directory of registry YAML files
	Policy     string           `yaml:"policy"`   // path to policy YAML file
	Storage    StorageConfig    `yaml:"storage"`
	Approval   ApprovalConfig  `yaml:"approval"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// GatewayConfig is the agent-facing WebSocket listener.
type GatewayConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// AgentConfig carries the single bearer token agents authenticate with.
type AgentConfig struct {
	Token string `yaml:"token"`
}

// MessengerConfig selects and configures the approval messenger adapter.
type MessengerConfig struct {
	Kind          string   `yaml:"kind"` // "console" or "slack"
	BotToken      string   `yaml:"bot_token"`
	SigningSecret string   `yaml:"signing_secret"`
	ChannelID     string   `yaml:"channel_id"`
	Guardians     []string `yaml:"guardians"`
	InteractPath  string   `yaml:"interact_path"` // HTTP path for Slack interactivity callbacks
}

// StorageConfig locates the durable SQLite store.
type StorageConfig struct {
	Type string `yaml:"type"` // "sqlite"
	Path string `yaml:"path"`
}

// ApprovalConfig controls the pending-approval timeout.
type ApprovalConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig controls the gateway's two resource caps.
type RateLimitConfig struct {
	MaxPendingApprovals  int `yaml:"max_pending_approvals"`
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
}

// LogConfig controls the ambient slog setup.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics HTTP listener.
type MetricsConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// Load reads path, expands ${VAR} environment references, unmarshals the
// YAML document, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "0.0.0.0"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8443
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "toolgate.db"
	}
	if cfg.Approval.Timeout <= 0 {
		cfg.Approval.Timeout = 900 * time.Second
	}
	if cfg.RateLimit.MaxPendingApprovals <= 0 {
		cfg.RateLimit.MaxPendingApprovals = 10
	}
	if cfg.RateLimit.MaxRequestsPerMinute <= 0 {
		cfg.RateLimit.MaxRequestsPerMinute = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Messenger.Kind == "" {
		cfg.Messenger.Kind = "console"
	}
	if cfg.Messenger.InteractPath == "" {
		cfg.Messenger.InteractPath = "/slack/interact"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Agent.Token) == "" {
		return fmt.Errorf("agent.token is required")
	}
	if strings.TrimSpace(cfg.Services) == "" {
		return fmt.Errorf("services (tool registry directory) is required")
	}
	if strings.TrimSpace(cfg.Policy) == "" {
		return fmt.Errorf("policy (policy file path) is required")
	}
	switch cfg.Storage.Type {
	case "sqlite":
	default:
		return fmt.Errorf("unsupported storage.type %q", cfg.Storage.Type)
	}
	switch cfg.Messenger.Kind {
	case "console":
	case "slack":
		if strings.TrimSpace(cfg.Messenger.BotToken) == "" {
			return fmt.Errorf("messenger.bot_token is required for kind=slack")
		}
		if strings.TrimSpace(cfg.Messenger.ChannelID) == "" {
			return fmt.Errorf("messenger.channel_id is required for kind=slack")
		}
	default:
		return fmt.Errorf("unsupported messenger.kind %q", cfg.Messenger.Kind)
	}
	return nil
}
