package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing.
// If set, GetDefaultConfigPath returns it instead of the standard path.
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the relay configuration directory,
// ~/.config/canvaslink on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "canvaslink"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// Environment variable names
const (
	EnvListenHost        = "RELAY_LISTEN_HOST"
	EnvListenPort        = "RELAY_LISTEN_PORT"
	EnvServerPath        = "RELAY_SERVER_PATH"
	EnvMaxConnections    = "RELAY_MAX_CONNECTIONS"
	EnvLogLevel          = "RELAY_LOG_LEVEL"
	EnvLogFormat         = "RELAY_LOG_FORMAT"
	EnvLogOutput         = "RELAY_LOG_OUTPUT"
	EnvHeartbeatInterval = "RELAY_HEARTBEAT_INTERVAL"
	EnvPongWait          = "RELAY_PONG_WAIT"
	EnvDefaultTimeout    = "RELAY_DEFAULT_TIMEOUT"
	EnvEventQueueSize    = "RELAY_EVENT_QUEUE_SIZE"
)

// DefaultServerConfig returns the default websocket server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "localhost",
		Port:            3055,
		Path:            "/ws",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxConnections:  256,
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// DefaultRelayConfig returns the default relay configuration
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		HeartbeatInterval: 15 * time.Second,
		PongWait:          45 * time.Second,
		WriteWait:         10 * time.Second,
		MaxMessageSize:    1 << 20, // 1 MiB frames; exports can be large
		SendQueueSize:     64,
		DefaultTimeout:    5 * time.Second,
	}
}

// DefaultEventConfig returns the default event bus configuration
func DefaultEventConfig() EventConfig {
	return EventConfig{
		QueueSize:      1024,
		SubscriberSize: 64,
	}
}

// Default returns a Config populated with all defaults
func Default() *Config {
	return &Config{
		Server:  DefaultServerConfig(),
		Logging: DefaultLoggingConfig(),
		Relay:   DefaultRelayConfig(),
		Event:   DefaultEventConfig(),
	}
}
