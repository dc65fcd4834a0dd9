// Package config loads collabhub settings from defaults, an optional file and
// COLLABHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	dbconfig "collabhub/pkg/database"
)

// EnvPrefix prefixes every environment override, e.g. COLLABHUB_HTTP_PORT.
const EnvPrefix = "COLLABHUB"

var (
	ErrMissingSection   = errors.New("configuration section is required")
	ErrInvalidPort      = errors.New("HTTP port must be between 1 and 65535")
	ErrNonPositive      = errors.New("value must be positive")
	ErrEmptySecret      = errors.New("auth.jwt_secret cannot be empty")
	ErrInvalidLogLevel  = errors.New("logging.level must be debug, info, warn or error")
	ErrPingAfterTimeout = errors.New("websocket.ping_interval must be shorter than websocket.read_timeout")
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database      *dbconfig.Config     `mapstructure:"database"`
	HTTP          *HTTPConfig          `mapstructure:"http"`
	WebSocket     *WebSocketConfig     `mapstructure:"websocket"`
	Auth          *AuthConfig          `mapstructure:"auth"`
	RateLimit     *RateLimitConfig     `mapstructure:"ratelimit"`
	Notifications *NotificationsConfig `mapstructure:"notifications"`
	Logging       *LoggingConfig       `mapstructure:"logging"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// FUNCTIONAL DISCOVERY: Read timeout must exceed the ping interval or every
// idle client would be dropped between heartbeats
type WebSocketConfig struct {
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	SendQueueSize     int           `mapstructure:"send_queue_size"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	// Only behind a proxy that overwrites X-Forwarded-For: spoofed addresses
	// can evict real counters from the max_tracked_origins table.
	TrustForwardedFor bool          `mapstructure:"trust_forwarded_for"`
	ChatHistoryLimit  int           `mapstructure:"chat_history_limit"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	Leeway    time.Duration `mapstructure:"leeway"`
}

type RateLimitConfig struct {
	ConnectionsPerWindow int           `mapstructure:"connections_per_window"`
	ConnectionWindow     time.Duration `mapstructure:"connection_window"`
	EventsPerWindow      int           `mapstructure:"events_per_window"`
	EventWindow          time.Duration `mapstructure:"event_window"`
	MaxTrackedOrigins    int           `mapstructure:"max_tracked_origins"`
}

type NotificationsConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DefaultConfig returns production defaults. The JWT secret has no usable
// default and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Database: dbconfig.DefaultConfig(),
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			SendQueueSize:    256,
			MaxMessageBytes:  128 * 1024,
			AllowedOrigins:   []string{},
			ChatHistoryLimit: 50,
		},
		Auth: &AuthConfig{
			Issuer: "",
			Leeway: 30 * time.Second,
		},
		RateLimit: &RateLimitConfig{
			ConnectionsPerWindow: 10,
			ConnectionWindow:     time.Minute,
			EventsPerWindow:      100,
			EventWindow:          time.Minute,
			MaxTrackedOrigins:    65536,
		},
		Notifications: &NotificationsConfig{
			QueueSize: 1000,
		},
		Logging: &LoggingConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations that would fail at runtime
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Auth == nil ||
		c.RateLimit == nil || c.Notifications == nil || c.Logging == nil {
		return ErrMissingSection
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return ErrInvalidPort
	}
	positives := map[string]time.Duration{
		"http.read_timeout":           c.HTTP.ReadTimeout,
		"http.write_timeout":          c.HTTP.WriteTimeout,
		"http.shutdown_timeout":       c.HTTP.ShutdownTimeout,
		"websocket.ping_interval":     c.WebSocket.PingInterval,
		"websocket.read_timeout":      c.WebSocket.ReadTimeout,
		"websocket.write_timeout":     c.WebSocket.WriteTimeout,
		"websocket.handshake_timeout": c.WebSocket.HandshakeTimeout,
		"ratelimit.connection_window": c.RateLimit.ConnectionWindow,
		"ratelimit.event_window":      c.RateLimit.EventWindow,
	}
	for key, d := range positives {
		if d <= 0 {
			return fmt.Errorf("%s: %w", key, ErrNonPositive)
		}
	}
	counts := map[string]int{
		"websocket.send_queue_size":        c.WebSocket.SendQueueSize,
		"ratelimit.connections_per_window": c.RateLimit.ConnectionsPerWindow,
		"ratelimit.events_per_window":      c.RateLimit.EventsPerWindow,
		"notifications.queue_size":         c.Notifications.QueueSize,
	}
	for key, n := range counts {
		if n <= 0 {
			return fmt.Errorf("%s: %w", key, ErrNonPositive)
		}
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("websocket.max_message_bytes: %w", ErrNonPositive)
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return ErrPingAfterTimeout
	}

	if c.Auth.JWTSecret == "" {
		return ErrEmptySecret
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	return nil
}

// Load builds the configuration: defaults, then the file at path (YAML, JSON
// or TOML by extension; empty path skips it), then COLLABHUB_* variables.
// The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that the
// file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)
	v.SetDefault("database.write_timeout", d.Database.WriteTimeout)
	v.SetDefault("database.retry_delay", d.Database.RetryDelay)

	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.handshake_timeout", d.WebSocket.HandshakeTimeout)
	v.SetDefault("websocket.send_queue_size", d.WebSocket.SendQueueSize)
	v.SetDefault("websocket.max_message_bytes", d.WebSocket.MaxMessageBytes)
	v.SetDefault("websocket.allowed_origins", d.WebSocket.AllowedOrigins)
	v.SetDefault("websocket.trust_forwarded_for", d.WebSocket.TrustForwardedFor)
	v.SetDefault("websocket.chat_history_limit", d.WebSocket.ChatHistoryLimit)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.leeway", d.Auth.Leeway)

	v.SetDefault("ratelimit.connections_per_window", d.RateLimit.ConnectionsPerWindow)
	v.SetDefault("ratelimit.connection_window", d.RateLimit.ConnectionWindow)
	v.SetDefault("ratelimit.events_per_window", d.RateLimit.EventsPerWindow)
	v.SetDefault("ratelimit.event_window", d.RateLimit.EventWindow)
	v.SetDefault("ratelimit.max_tracked_origins", d.RateLimit.MaxTrackedOrigins)

	v.SetDefault("notifications.queue_size", d.Notifications.QueueSize)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)
}
