// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default values applied when a field is omitted.
const (
	DefaultQuietPeriod        = 3 * time.Second
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultFlushWorkers       = 4
	DefaultAttachmentMaxBytes = 25 << 20
	DefaultDedupeTTL          = 10 * time.Minute
	DefaultDedupeMaxSize      = 100_000
	DefaultTokenTTL           = 5 * time.Minute
	DefaultPrincipalID        = "coven-relay"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Gateway     GatewayConfig     `yaml:"gateway" toml:"gateway"`
	Slack       SlackConfig       `yaml:"slack" toml:"slack"`
	Matrix      MatrixConfig      `yaml:"matrix" toml:"matrix"`
	Batching    BatchingConfig    `yaml:"batching" toml:"batching"`
	Attachments AttachmentsConfig `yaml:"attachments" toml:"attachments"`
	Dedupe      DedupeConfig      `yaml:"dedupe" toml:"dedupe"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// APIJWTSecret, when set, requires HS256 bearer tokens on /api/ routes
	APIJWTSecret string `yaml:"api_jwt_secret" toml:"api_jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Public HTTPS so Slack can reach the webhook
}

// DatabaseConfig holds the delivery ledger location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// GatewayConfig holds the coven-gateway endpoint and credentials
type GatewayConfig struct {
	URL         string        `yaml:"url" toml:"url"`
	JWTSecret   string        `yaml:"jwt_secret" toml:"jwt_secret"`
	PrincipalID string        `yaml:"principal_id" toml:"principal_id"`
	TokenTTL    time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// SlackConfig holds Slack Events API configuration
type SlackConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled"`
	BotToken        string   `yaml:"bot_token" toml:"bot_token"`
	SigningSecret   string   `yaml:"signing_secret" toml:"signing_secret"`
	EventsPath      string   `yaml:"events_path" toml:"events_path"`
	AllowedChannels []string `yaml:"allowed_channels" toml:"allowed_channels"`
}

// MatrixConfig holds Matrix client configuration
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	Homeserver   string   `yaml:"homeserver" toml:"homeserver"`
	UserID       string   `yaml:"user_id" toml:"user_id"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	RecoveryKey  string   `yaml:"recovery_key" toml:"recovery_key"`
	Encryption   bool     `yaml:"encryption" toml:"encryption"`
	AutoJoin     bool     `yaml:"auto_join" toml:"auto_join"`
	AllowedUsers []string `yaml:"allowed_users" toml:"allowed_users"`
	AllowedRooms []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	// AlwaysOnRooms register every message as a thread without a mention
	AlwaysOnRooms []string `yaml:"always_on_rooms" toml:"always_on_rooms"`
}

// BatchingConfig controls when buffered threads are drained
type BatchingConfig struct {
	QuietPeriod     time.Duration `yaml:"-" toml:"-"`
	MaxWait         time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`
	MaxBatch        int           `yaml:"max_batch" toml:"max_batch"`
	Workers         int           `yaml:"workers" toml:"workers"`

	// Raw string values for unmarshaling
	QuietPeriodRaw     string `yaml:"quiet_period" toml:"quiet_period"`
	MaxWaitRaw         string `yaml:"max_wait" toml:"max_wait"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// AttachmentsConfig controls where downloaded files are spooled
type AttachmentsConfig struct {
	Dir      string `yaml:"dir" toml:"dir"`
	MaxBytes int64  `yaml:"max_bytes" toml:"max_bytes"`
}

// DedupeConfig controls the redelivered-event cache
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-" toml:"-"`
	MaxSize int           `yaml:"max_size" toml:"max_size"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), formatFor(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Format is the encoding of a config document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes an already-expanded config document, applies defaults,
// parses durations and validates the result.
func Parse(doc string, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(doc, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(doc), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Slack.EventsPath == "" {
		c.Slack.EventsPath = "/slack/events"
	}
	if c.Gateway.PrincipalID == "" {
		c.Gateway.PrincipalID = DefaultPrincipalID
	}
	if c.Gateway.TokenTTL == 0 {
		c.Gateway.TokenTTL = DefaultTokenTTL
	}
	if c.Batching.QuietPeriodRaw == "" {
		c.Batching.QuietPeriod = DefaultQuietPeriod
	}
	if c.Batching.ShutdownTimeout == 0 {
		c.Batching.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Batching.Workers <= 0 {
		c.Batching.Workers = DefaultFlushWorkers
	}
	if c.Attachments.Dir == "" {
		c.Attachments.Dir = filepath.Join(os.TempDir(), "coven-relay", "attachments")
	}
	if c.Attachments.MaxBytes <= 0 {
		c.Attachments.MaxBytes = DefaultAttachmentMaxBytes
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxSize <= 0 {
		c.Dedupe.MaxSize = DefaultDedupeMaxSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The listener address is required unless Tailscale provides one
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}

	if !c.Slack.Enabled && !c.Matrix.Enabled {
		return fmt.Errorf("at least one of slack or matrix must be enabled")
	}
	if c.Slack.Enabled {
		if c.Slack.BotToken == "" {
			return fmt.Errorf("slack.bot_token is required when slack is enabled")
		}
		if c.Slack.SigningSecret == "" {
			return fmt.Errorf("slack.signing_secret is required when slack is enabled")
		}
		if !strings.HasPrefix(c.Slack.EventsPath, "/") {
			return fmt.Errorf("slack.events_path must start with /")
		}
	}
	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" {
			return fmt.Errorf("matrix.homeserver is required when matrix is enabled")
		}
		if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
			return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
		}
		if c.Matrix.UserID == "" {
			return fmt.Errorf("matrix.user_id is required when matrix is enabled")
		}
		if c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.access_token is required when matrix is enabled")
		}
	}

	if c.Batching.QuietPeriod <= 0 {
		return fmt.Errorf("batching.quiet_period must be positive")
	}
	if c.Batching.MaxWait < 0 {
		return fmt.Errorf("batching.max_wait must not be negative")
	}
	if c.Batching.MaxBatch < 0 {
		return fmt.Errorf("batching.max_batch must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.token_ttl", cfg.Gateway.TokenTTLRaw, &cfg.Gateway.TokenTTL},
		{"batching.quiet_period", cfg.Batching.QuietPeriodRaw, &cfg.Batching.QuietPeriod},
		{"batching.max_wait", cfg.Batching.MaxWaitRaw, &cfg.Batching.MaxWait},
		{"batching.shutdown_timeout", cfg.Batching.ShutdownTimeoutRaw, &cfg.Batching.ShutdownTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
