package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/canvaslink/relay/pkg/types"
)

// Config represents the complete configuration for the relay
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Relay   RelayConfig   `json:"relay" yaml:"relay"`
	Event   EventConfig   `json:"event" yaml:"event"`
}

// ServerConfig contains websocket server configuration
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	Path            string        `json:"path" yaml:"path"`
	ReadBufferSize  int           `json:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize int           `json:"write_buffer_size" yaml:"write_buffer_size"`
	MaxConnections  int           `json:"max_connections" yaml:"max_connections"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns the host:port listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// RelayConfig contains connection and request lifecycle configuration
type RelayConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	PongWait          time.Duration `json:"pong_wait" yaml:"pong_wait"`
	WriteWait         time.Duration `json:"write_wait" yaml:"write_wait"`
	MaxMessageSize    int64         `json:"max_message_size" yaml:"max_message_size"`
	SendQueueSize     int           `json:"send_queue_size" yaml:"send_queue_size"`
	DefaultTimeout    time.Duration `json:"default_timeout" yaml:"default_timeout"`
}

// EventConfig contains event bus configuration
type EventConfig struct {
	QueueSize      int `json:"queue_size" yaml:"queue_size"`
	SubscriberSize int `json:"subscriber_size" yaml:"subscriber_size"`
}

// applyDefaults fills in zero-valued config fields with their defaults.
// This is called after loading from YAML so partial configs get sensible
// values field-by-field.
func applyDefaults(cfg *Config) {
	defaultServer := DefaultServerConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServer.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServer.Port
	}
	if cfg.Server.Path == "" {
		cfg.Server.Path = defaultServer.Path
	}
	if cfg.Server.ReadBufferSize == 0 {
		cfg.Server.ReadBufferSize = defaultServer.ReadBufferSize
	}
	if cfg.Server.WriteBufferSize == 0 {
		cfg.Server.WriteBufferSize = defaultServer.WriteBufferSize
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = defaultServer.MaxConnections
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultServer.ShutdownTimeout
	}

	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultRelay := DefaultRelayConfig()
	if cfg.Relay.HeartbeatInterval == 0 {
		cfg.Relay.HeartbeatInterval = defaultRelay.HeartbeatInterval
	}
	if cfg.Relay.PongWait == 0 {
		cfg.Relay.PongWait = defaultRelay.PongWait
	}
	if cfg.Relay.WriteWait == 0 {
		cfg.Relay.WriteWait = defaultRelay.WriteWait
	}
	if cfg.Relay.MaxMessageSize == 0 {
		cfg.Relay.MaxMessageSize = defaultRelay.MaxMessageSize
	}
	if cfg.Relay.SendQueueSize == 0 {
		cfg.Relay.SendQueueSize = defaultRelay.SendQueueSize
	}
	if cfg.Relay.DefaultTimeout == 0 {
		cfg.Relay.DefaultTimeout = defaultRelay.DefaultTimeout
	}

	defaultEvent := DefaultEventConfig()
	if cfg.Event.QueueSize == 0 {
		cfg.Event.QueueSize = defaultEvent.QueueSize
	}
	if cfg.Event.SubscriberSize == 0 {
		cfg.Event.SubscriberSize = defaultEvent.SubscriberSize
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvListenHost); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv(EnvListenPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv(EnvServerPath); v != "" {
		cfg.Server.Path = v
	}
	if v := os.Getenv(EnvMaxConnections); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MaxConnections = n
		}
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvHeartbeatInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Relay.HeartbeatInterval = d
		}
	}
	if v := os.Getenv(EnvPongWait); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Relay.PongWait = d
		}
	}
	if v := os.Getenv(EnvDefaultTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Relay.DefaultTimeout = d
		}
	}
	if v := os.Getenv(EnvEventQueueSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Event.QueueSize = n
		}
	}

	return nil
}

// Load creates a new Config by loading defaults and overriding with
// environment variables. If a config file exists at the default path it
// is loaded first.
func Load() (*Config, error) {
	var cfg *Config

	configPath, err := GetDefaultConfigPath()
	if err == nil {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument, "server port must be between 1 and 65535")
	}
	if c.Server.Path == "" || c.Server.Path[0] != '/' {
		return types.NewError(types.ErrCodeInvalidArgument, "server path must start with /")
	}
	if c.Server.MaxConnections < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "max connections cannot be negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.Relay.HeartbeatInterval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "heartbeat interval must be positive")
	}
	if c.Relay.PongWait <= c.Relay.HeartbeatInterval {
		return types.NewError(types.ErrCodeInvalidArgument, "pong wait must be greater than heartbeat interval")
	}
	if c.Relay.WriteWait <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "write wait must be positive")
	}
	if c.Relay.MaxMessageSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "max message size must be positive")
	}
	if c.Relay.DefaultTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "default timeout must be positive")
	}

	if c.Event.QueueSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "event queue size must be positive")
	}

	return nil
}
