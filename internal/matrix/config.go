// ABOUTME: Configuration loading for the ferry Matrix bridge
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package matrix

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	Gateway GatewayConfig `toml:"gateway"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Logging LoggingConfig `toml:"logging"`
}

type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	RecoveryKey string `toml:"recovery_key"`
	DeviceName  string `toml:"device_name"`
}

type GatewayConfig struct {
	URL            string `toml:"url"`
	RequestTimeout string `toml:"request_timeout"`
}

type BridgeConfig struct {
	AllowedRooms    []string `toml:"allowed_rooms"`
	CommandPrefix   string   `toml:"command_prefix"`
	ListCommand     string   `toml:"list_command"`
	TypingIndicator bool     `toml:"typing_indicator"`
	AnnounceOnline  bool     `toml:"announce_online"`
	AutoJoin        bool     `toml:"auto_join"`
	DedupeWindow    string   `toml:"dedupe_window"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns the values used for any key the file leaves out.
func Default() *Config {
	return &Config{
		Matrix: MatrixConfig{
			DeviceName: "ferry-matrix",
		},
		Gateway: GatewayConfig{
			RequestTimeout: "30s",
		},
		Bridge: BridgeConfig{
			ListCommand:     "/list",
			TypingIndicator: true,
			AnnounceOnline:  true,
			AutoJoin:        true,
			DedupeWindow:    "10m",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes TOML layered over Default.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(expandEnvVars(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if c.Matrix.Username == "" {
		return fmt.Errorf("matrix.username is required")
	}
	if c.Matrix.Password == "" {
		return fmt.Errorf("matrix.password is required")
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
	if _, err := c.RequestTimeout(); err != nil {
		return fmt.Errorf("gateway.request_timeout: %w", err)
	}
	if _, err := c.DedupeWindow(); err != nil {
		return fmt.Errorf("bridge.dedupe_window: %w", err)
	}
	if !strings.HasPrefix(c.Bridge.ListCommand, "/") {
		return fmt.Errorf("bridge.list_command must start with / (got %q)", c.Bridge.ListCommand)
	}
	return nil
}

// RequestTimeout bounds each non-streaming gateway request.
func (c *Config) RequestTimeout() (time.Duration, error) {
	return parsePositiveDuration(c.Gateway.RequestTimeout)
}

// DedupeWindow is how long a handled event ID is remembered.
func (c *Config) DedupeWindow() (time.Duration, error) {
	return parsePositiveDuration(c.Bridge.DedupeWindow)
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive (got %s)", raw)
	}
	return d, nil
}

// ConfigPath returns the path to the matrix bridge config file.
// Priority: FERRY_MATRIX_CONFIG env var > XDG_CONFIG_HOME/ferry/matrix-bridge.toml > ~/.config/ferry/matrix-bridge.toml
func ConfigPath() string {
	if envPath := os.Getenv("FERRY_MATRIX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "matrix-bridge.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "ferry", "matrix-bridge.toml")
}

// DataPath returns the directory holding the bridge's crypto store.
// Priority: XDG_DATA_HOME/ferry > ~/.local/share/ferry
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "ferry")
}
