// ABOUTME: Configuration loading and parsing for ferry-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ferry-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Agents    AgentsConfig    `yaml:"agents"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve on :443 with certs from the tailnet
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	AgentPath string `yaml:"agent_path"` // WebSocket endpoint agents dial
}

// DatabaseConfig holds the audit ledger location. An empty path disables it.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent connection tuning
type AgentsConfig struct {
	SweepInterval  time.Duration `yaml:"-"`
	EnqueueTimeout time.Duration `yaml:"-"`

	MailboxSize    int      `yaml:"mailbox_size"`
	AllowedOrigins []string `yaml:"allowed_origins"` // WebSocket origin patterns; empty allows same-origin only

	// Raw string values for YAML unmarshaling
	SweepIntervalRaw  string `yaml:"sweep_interval"`
	EnqueueTimeoutRaw string `yaml:"enqueue_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used for any key a file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:  "0.0.0.0:8080",
			AgentPath: "/ws",
		},
		Agents: AgentsConfig{
			SweepInterval:     10 * time.Second,
			EnqueueTimeout:    5 * time.Second,
			MailboxSize:       16,
			SweepIntervalRaw:  "10s",
			EnqueueTimeoutRaw: "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration layered over Default.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Tailscale.Funnel && !c.Tailscale.Enabled {
		return fmt.Errorf("tailscale.funnel requires tailscale.enabled")
	}

	if !strings.HasPrefix(c.Server.AgentPath, "/") {
		return fmt.Errorf("server.agent_path must start with / (got %q)", c.Server.AgentPath)
	}

	if c.Agents.MailboxSize <= 0 {
		return fmt.Errorf("agents.mailbox_size must be positive (got %d)", c.Agents.MailboxSize)
	}
	if c.Agents.SweepInterval <= 0 {
		return fmt.Errorf("agents.sweep_interval must be positive")
	}
	if c.Agents.EnqueueTimeout <= 0 {
		return fmt.Errorf("agents.enqueue_timeout must be positive")
	}

	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with / (got %q)", c.Metrics.Path)
		}
		if c.Metrics.Path == c.Server.AgentPath {
			return fmt.Errorf("metrics.path and server.agent_path must differ")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.SweepIntervalRaw != "" {
		cfg.Agents.SweepInterval, err = time.ParseDuration(cfg.Agents.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Agents.SweepIntervalRaw, err)
		}
	}

	if cfg.Agents.EnqueueTimeoutRaw != "" {
		cfg.Agents.EnqueueTimeout, err = time.ParseDuration(cfg.Agents.EnqueueTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing enqueue_timeout %q: %w", cfg.Agents.EnqueueTimeoutRaw, err)
		}
	}

	return nil
}

// Path returns the config file location: FERRY_CONFIG, then
// $XDG_CONFIG_HOME/ferry/gateway.yaml, then ~/.config/ferry/gateway.yaml.
func Path() string {
	if p := os.Getenv("FERRY_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ferry", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "ferry", "gateway.yaml")
}
