// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/codebeep/lib/breaker"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/lib/retry"
)

// EnvVar names the variable Load falls back to when no path is given.
const EnvVar = "CODEBEEP_CONFIG"

// Config is the full bridge configuration. It is read once at startup
// and never modified afterwards.
type Config struct {
	Matrix   MatrixConfig   `yaml:"matrix"`
	OpenCode OpenCodeConfig `yaml:"opencode"`
	Bot      BotConfig      `yaml:"bot"`
	Retry    RetryConfig    `yaml:"retry"`
	Breaker  breaker.Config `yaml:"breaker"`
	State    StateConfig    `yaml:"state"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// MatrixConfig configures the homeserver account the bridge runs as.
type MatrixConfig struct {
	// Homeserver is the client-server API base URL.
	Homeserver string `yaml:"homeserver"`

	// UserID is required with AccessToken and derived from the login
	// response otherwise.
	UserID string `yaml:"user_id"`

	// Username and Password log in with m.login.password. Ignored
	// when AccessToken is set.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	AccessToken string `yaml:"access_token"`
	DeviceName  string `yaml:"device_name"`

	// AllowedUsers may issue commands. Empty allows everyone.
	AllowedUsers []string `yaml:"allowed_users"`

	CommandRoom CommandRoomConfig `yaml:"command_room"`
}

// CommandRoomConfig describes the unencrypted command room created at
// startup.
type CommandRoomConfig struct {
	// Enabled turns bootstrap on. With it off the bridge serves only
	// rooms it is invited to.
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
	Topic   string `yaml:"topic"`

	// Alias, when set, is registered on creation and resolved before
	// creating so restarts reuse the room.
	Alias string `yaml:"alias"`

	// Invite lists users invited on creation.
	Invite []string `yaml:"invite"`

	// OperatorRoom receives the one-shot notice when bootstrap gives
	// up. Empty logs only.
	OperatorRoom string `yaml:"operator_room"`
}

// OpenCodeConfig configures the agent server.
type OpenCodeConfig struct {
	ServerURL    string `yaml:"server_url"`
	DefaultAgent string `yaml:"default_agent"`

	// Model is sent with every prompt when set ("provider/model").
	Model string `yaml:"model"`

	// Directory scopes sessions to a project on servers that serve
	// several.
	Directory string `yaml:"directory"`

	// SchemaFile is an optional JSONC file extending the field aliases
	// the response decoder accepts.
	SchemaFile string `yaml:"schema_file"`

	// RequestTimeout bounds each non-streaming request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// SessionTimeout marks a watched session failed when no terminal
	// event arrives within it. Zero waits forever.
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// BotConfig configures the command surface.
type BotConfig struct {
	Prefix              string `yaml:"prefix"`
	TypingIndicator     bool   `yaml:"typing_indicator"`
	MaxMessageLength    int    `yaml:"max_message_length"`
	Markdown            bool   `yaml:"markdown"`
	UnknownCommandReply bool   `yaml:"unknown_command_reply"`

	// RateLimit is the outbound message budget per minute.
	RateLimit int `yaml:"rate_limit"`

	// QueueDepth bounds commands waiting per conversation.
	QueueDepth int `yaml:"queue_depth"`
}

// RetryConfig names the backoff schedule for each retried operation.
type RetryConfig struct {
	// Bootstrap covers command room creation on M_LIMIT_EXCEEDED.
	Bootstrap retry.Policy `yaml:"bootstrap"`
	// Upstream covers agent server calls that fail to connect.
	Upstream retry.Policy `yaml:"upstream"`
	// Stream spaces event-feed reconnects. Attempts is ignored; the
	// watcher reconnects until shutdown.
	Stream retry.Policy `yaml:"stream"`
	// Send covers outbound Matrix messages.
	Send retry.Policy `yaml:"send"`
	// Sync spaces /sync retries after errors.
	Sync retry.Policy `yaml:"sync"`
}

// StateConfig locates durable state.
type StateConfig struct {
	Database string `yaml:"database"`

	// ProcessedEvents bounds the processed-event log.
	ProcessedEvents int `yaml:"processed_events"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "text", "json" or "auto" (text on a terminal).
	Format string `yaml:"format"`
}

// Default returns the configuration every file is merged over.
func Default() *Config {
	stateDir := "."
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".local", "state", "codebeep")
	}
	return &Config{
		Matrix: MatrixConfig{
			Homeserver: "https://matrix.beeper.com",
			DeviceName: "codebeep",
			CommandRoom: CommandRoomConfig{
				Enabled: true,
				Name:    "CodeBeep Shell",
				Topic:   "Unencrypted command shell for CodeBeep",
			},
		},
		OpenCode: OpenCodeConfig{
			ServerURL:      "http://127.0.0.1:4096",
			DefaultAgent:   "build",
			RequestTimeout: 30 * time.Second,
			SessionTimeout: time.Hour,
		},
		Bot: BotConfig{
			Prefix:              "/",
			TypingIndicator:     true,
			MaxMessageLength:    4000,
			Markdown:            true,
			UnknownCommandReply: true,
			RateLimit:           30,
			QueueDepth:          16,
		},
		Retry: RetryConfig{
			Bootstrap: retry.Policy{Base: time.Second, Multiplier: 2, Max: time.Minute, Attempts: 6},
			Upstream:  retry.Policy{Base: 500 * time.Millisecond, Multiplier: 2, Max: 5 * time.Second, Attempts: 3},
			Stream:    retry.Policy{Base: time.Second, Multiplier: 2, Max: 30 * time.Second, Attempts: 1},
			Send:      retry.Policy{Base: time.Second, Multiplier: 2, Max: 8 * time.Second, Attempts: 3},
			Sync:      retry.Policy{Base: time.Second, Multiplier: 2, Max: 30 * time.Second, Attempts: 1},
		},
		Breaker: breaker.Config{
			Threshold: 5,
			Window:    2 * time.Minute,
			Cooldown:  time.Minute,
		},
		State: StateConfig{
			Database:        filepath.Join(stateDir, "codebeep.db"),
			ProcessedEvents: 4096,
		},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
	}
}

// Template returns Default with placeholder account details, the
// starting point `codebeep init` writes. The password is read from
// $CODEBEEP_PASSWORD when the file is loaded.
func Template() *Config {
	cfg := Default()
	cfg.Matrix.Username = "@your-bot:beeper.local"
	cfg.Matrix.Password = "${CODEBEEP_PASSWORD}"
	cfg.Matrix.AllowedUsers = []string{"@your-account:beeper.local"}
	return cfg
}

// Marshal renders the config as YAML that LoadFile reads back.
func (c *Config) Marshal() ([]byte, error) {
	var buffer bytes.Buffer
	encoder := yaml.NewEncoder(&buffer)
	encoder.SetIndent(2)
	if err := encoder.Encode(c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return buffer.Bytes(), nil
}

// Load reads the file at path, or at $CODEBEEP_CONFIG when path is
// empty. There is no search path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file: pass --config or set %s", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads and validates a YAML file merged over Default.
// ${VAR} and ${VAR:-default} references are expanded from the
// environment before parsing, so secrets can stay out of the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if err := checkURL(c.Matrix.Homeserver); err != nil {
		add("matrix.homeserver: %w", err)
	}
	if c.Matrix.AccessToken == "" && (c.Matrix.Username == "" || c.Matrix.Password == "") {
		add("matrix: set access_token, or username and password")
	}
	if c.Matrix.AccessToken != "" && c.Matrix.UserID == "" {
		add("matrix.user_id is required with access_token")
	}
	if c.Matrix.UserID != "" {
		if _, err := ref.ParseUserID(c.Matrix.UserID); err != nil {
			add("matrix.user_id: %w", err)
		}
	}
	if _, err := parseUsers(c.Matrix.AllowedUsers); err != nil {
		add("matrix.allowed_users: %w", err)
	}
	if _, err := parseUsers(c.Matrix.CommandRoom.Invite); err != nil {
		add("matrix.command_room.invite: %w", err)
	}
	if alias := c.Matrix.CommandRoom.Alias; alias != "" {
		if _, err := ref.ParseRoomAlias(alias); err != nil {
			add("matrix.command_room.alias: %w", err)
		}
	}
	if room := c.Matrix.CommandRoom.OperatorRoom; room != "" {
		if _, err := ref.ParseRoomID(room); err != nil {
			add("matrix.command_room.operator_room: %w", err)
		}
	}

	if err := checkURL(c.OpenCode.ServerURL); err != nil {
		add("opencode.server_url: %w", err)
	}
	if c.OpenCode.DefaultAgent == "" {
		add("opencode.default_agent is required")
	}
	if c.OpenCode.RequestTimeout <= 0 {
		add("opencode.request_timeout must be positive")
	}

	if strings.TrimSpace(c.Bot.Prefix) == "" {
		add("bot.prefix is required")
	}
	if c.Bot.MaxMessageLength < 100 {
		add("bot.max_message_length must be at least 100, got %d", c.Bot.MaxMessageLength)
	}
	if c.Bot.RateLimit < 1 {
		add("bot.rate_limit must be at least 1 message per minute")
	}
	if c.Bot.QueueDepth < 1 {
		add("bot.queue_depth must be at least 1")
	}

	for name, policy := range map[string]retry.Policy{
		"bootstrap": c.Retry.Bootstrap,
		"upstream":  c.Retry.Upstream,
		"stream":    c.Retry.Stream,
		"send":      c.Retry.Send,
		"sync":      c.Retry.Sync,
	} {
		if err := policy.Validate(); err != nil {
			add("retry.%s: %w", name, err)
		}
	}
	if c.Breaker.Threshold < 1 || c.Breaker.Cooldown <= 0 {
		add("breaker: threshold must be at least 1 and cooldown positive")
	}

	if c.State.Database == "" {
		add("state.database is required")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		add("logging.format must be auto, text or json, got %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// AllowedUsers returns the parsed allow list. Valid after Validate.
func (c *Config) AllowedUsers() []ref.UserID {
	users, _ := parseUsers(c.Matrix.AllowedUsers)
	return users
}

// InviteUsers returns the parsed command-room invite list.
func (c *Config) InviteUsers() []ref.UserID {
	users, _ := parseUsers(c.Matrix.CommandRoom.Invite)
	return users
}

// EnsurePaths creates the state directory.
func (c *Config) EnsurePaths() error {
	dir := filepath.Dir(c.State.Database)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}
	return nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("unknown level %q", name)
	}
	return level, nil
}

func parseUsers(raw []string) ([]ref.UserID, error) {
	users := make([]ref.UserID, 0, len(raw))
	for _, entry := range raw {
		user, err := ref.ParseUserID(strings.TrimSpace(entry))
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func checkURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https: %q", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host: %q", raw)
	}
	return nil
}
