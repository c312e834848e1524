// ABOUTME: Configuration loading and parsing for the loom client
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loom client configuration
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Sender   string         `yaml:"sender"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	History  HistoryConfig  `yaml:"history"`
	Socket   SocketConfig   `yaml:"socket"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig holds gateway endpoint configuration
type GatewayConfig struct {
	// BaseURL is the HTTP API root, e.g. "http://localhost:8080"
	BaseURL string `yaml:"base_url"`
	// SocketURL overrides the derived WebSocket endpoint when set
	SocketURL string `yaml:"socket_url"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// TokenFile overrides the default token resolution (env, then XDG file)
	TokenFile string `yaml:"token_file"`
}

// DatabaseConfig holds local history database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HistoryConfig holds history replay configuration
type HistoryConfig struct {
	// Limit is the maximum number of records restored on startup
	Limit int `yaml:"limit"`
}

// SocketConfig holds session socket timing configuration
type SocketConfig struct {
	PingInterval time.Duration `yaml:"-"`
	PongTimeout  time.Duration `yaml:"-"`
	ReconnectMin time.Duration `yaml:"-"`
	ReconnectMax time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PingIntervalRaw string `yaml:"ping_interval"`
	PongTimeoutRaw  string `yaml:"pong_timeout"`
	ReconnectMinRaw string `yaml:"reconnect_min"`
	ReconnectMaxRaw string `yaml:"reconnect_max"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file (or key) is present.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:8080",
		},
		Sender: "loom-user",
		Database: DatabaseConfig{
			Path: defaultDatabasePath(),
		},
		History: HistoryConfig{
			Limit: 200,
		},
		Socket: SocketConfig{
			PingIntervalRaw: "54s",
			PongTimeoutRaw:  "60s",
			ReconnectMinRaw: "1s",
			ReconnectMaxRaw: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Absent keys keep their defaults. Environment variables in the
// format ${VAR_NAME} are expanded. Duration strings are parsed into
// time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to the defaults when
// path is empty or the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return loadDefaults()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return loadDefaults()
	}
	return Load(path)
}

func loadDefaults() (*Config, error) {
	cfg := Default()
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// SocketURL returns the WebSocket endpoint for the session channel. An
// explicit gateway.socket_url wins; otherwise it is derived from
// base_url by swapping the scheme (http→ws, https→wss) and appending
// /api/session.
func (c *Config) SocketURL() (string, error) {
	if c.Gateway.SocketURL != "" {
		return c.Gateway.SocketURL, nil
	}

	u, err := url.Parse(c.Gateway.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing gateway.base_url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("gateway.base_url has unsupported scheme %q", u.Scheme)
	}

	u.Path, err = url.JoinPath(u.Path, "api", "session")
	if err != nil {
		return "", fmt.Errorf("building socket path: %w", err)
	}
	return u.String(), nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Sender == "" {
		return fmt.Errorf("sender is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.History.Limit < 0 {
		return fmt.Errorf("history.limit must not be negative")
	}

	if c.Socket.PingInterval > 0 && c.Socket.PongTimeout > 0 &&
		c.Socket.PingInterval >= c.Socket.PongTimeout {
		return fmt.Errorf("socket.ping_interval must be shorter than socket.pong_timeout")
	}
	if c.Socket.ReconnectMin > c.Socket.ReconnectMax {
		return fmt.Errorf("socket.reconnect_min must not exceed socket.reconnect_max")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Socket.PingIntervalRaw != "" {
		cfg.Socket.PingInterval, err = time.ParseDuration(cfg.Socket.PingIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing ping_interval %q: %w", cfg.Socket.PingIntervalRaw, err)
		}
	}

	if cfg.Socket.PongTimeoutRaw != "" {
		cfg.Socket.PongTimeout, err = time.ParseDuration(cfg.Socket.PongTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing pong_timeout %q: %w", cfg.Socket.PongTimeoutRaw, err)
		}
	}

	if cfg.Socket.ReconnectMinRaw != "" {
		cfg.Socket.ReconnectMin, err = time.ParseDuration(cfg.Socket.ReconnectMinRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_min %q: %w", cfg.Socket.ReconnectMinRaw, err)
		}
	}

	if cfg.Socket.ReconnectMaxRaw != "" {
		cfg.Socket.ReconnectMax, err = time.ParseDuration(cfg.Socket.ReconnectMaxRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_max %q: %w", cfg.Socket.ReconnectMaxRaw, err)
		}
	}

	return nil
}

// defaultDatabasePath resolves the history database under the XDG data
// directory, falling back to the working directory when home is unknown.
func defaultDatabasePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "loom.db"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "loom", "history.db")
}
