// Package config loads broker and agent configuration from YAML with
// environment variable expansion. A small set of FABRIC_* environment
// variables override the file values directly, so containerized
// deployments need no config file at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables applied over the loaded file values.
const (
	EnvBrokerHost = "FABRIC_HOST"
	EnvBrokerPort = "FABRIC_PORT"

	EnvAgentBrokerURL      = "FABRIC_AGENT_BROKER_URL"
	EnvAgentRateWindowSecs = "FABRIC_AGENT_RATE_LIMIT_WINDOW_SECONDS"
	EnvAgentTimeoutSecs    = "FABRIC_AGENT_COMMAND_TIMEOUT_SECONDS"
	EnvAgentMaxOutputBytes = "FABRIC_AGENT_MAX_OUTPUT_BYTES"
	EnvAgentLogLevel       = "FABRIC_AGENT_LOG_LEVEL"
)

// BrokerConfig configures the fabric broker process.
type BrokerConfig struct {
	Server  BrokerServerConfig `yaml:"server"`
	Auth    BrokerAuthConfig   `yaml:"auth"`
	Audit   AuditConfig        `yaml:"audit"`
	Logging LoggingConfig      `yaml:"logging"`

	// RequireConfirmer denies confirmation-gated tools when no confirmation
	// collaborator is configured.
	RequireConfirmer bool `yaml:"require_confirmer"`
}

// BrokerServerConfig is the broker listener.
type BrokerServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	AuthTimeoutSeconds int `yaml:"auth_timeout_seconds"`
	PingIntervalSecs   int `yaml:"ping_interval_seconds"`
	StaleAfterSeconds  int `yaml:"stale_after_seconds"`
}

// BrokerAuthConfig carries device token verification material.
type BrokerAuthConfig struct {
	// JWTSecret verifies HS256 device tokens minted at enrollment.
	JWTSecret string `yaml:"jwt_secret"`

	// StaticToken is a development fallback accepted from any device.
	StaticToken string `yaml:"static_token"`
}

// AuditConfig locates the audit log directory.
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AgentConfig configures the endpoint agent process.
type AgentConfig struct {
	// ConfigDir holds device.id and auth.json. Defaults to
	// $HOME/.fabric-agent.
	ConfigDir string `yaml:"config_dir"`

	// BrokerURL, when set, overrides the broker URL recorded at
	// enrollment for this run.
	BrokerURL string `yaml:"broker_url"`

	Execution ExecutionConfig `yaml:"execution"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	MaxConcurrent            int `yaml:"max_concurrent"`
}

// ExecutionConfig bounds sandboxed executions.
type ExecutionConfig struct {
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds"`
	MaxOutputBytes        int    `yaml:"max_output_bytes"`
	WorkDir               string `yaml:"work_dir"`
}

// RateLimitConfig bounds raw command throughput.
type RateLimitConfig struct {
	MaxRequests   int  `yaml:"max_requests"`
	WindowSeconds int  `yaml:"window_seconds"`
	Enabled       bool `yaml:"enabled"`
}

// LoadBroker reads a broker config file. A missing path returns defaults.
func LoadBroker(path string) (*BrokerConfig, error) {
	cfg := &BrokerConfig{
		Server: BrokerServerConfig{
			Host: "0.0.0.0",
			Port: 8443,
		},
		Audit:   AuditConfig{Dir: "audit"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	if err := loadInto(path, cfg); err != nil {
		return nil, err
	}
	envString(EnvBrokerHost, &cfg.Server.Host)
	if err := envInt(EnvBrokerPort, &cfg.Server.Port); err != nil {
		return nil, err
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return cfg, nil
}

// LoadAgent reads an agent config file. A missing path returns defaults.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := &AgentConfig{
		Execution: ExecutionConfig{
			DefaultTimeoutSeconds: 30,
			MaxOutputBytes:        64 * 1024,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   10,
			WindowSeconds: 60,
			Enabled:       true,
		},
		Logging:                  LoggingConfig{Level: "info", Format: "text"},
		HeartbeatIntervalSeconds: 30,
		MaxConcurrent:            4,
	}
	if err := loadInto(path, cfg); err != nil {
		return nil, err
	}
	envString(EnvAgentBrokerURL, &cfg.BrokerURL)
	envString(EnvAgentLogLevel, &cfg.Logging.Level)
	for name, out := range map[string]*int{
		EnvAgentRateWindowSecs: &cfg.RateLimit.WindowSeconds,
		EnvAgentTimeoutSecs:    &cfg.Execution.DefaultTimeoutSeconds,
		EnvAgentMaxOutputBytes: &cfg.Execution.MaxOutputBytes,
	} {
		if err := envInt(name, out); err != nil {
			return nil, err
		}
	}
	if cfg.ConfigDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.ConfigDir = filepath.Join(home, ".fabric-agent")
	}
	return cfg, nil
}

// loadInto parses path over the defaults already present in out. Empty
// path means defaults only; environment variables in the file are expanded
// before parsing.
func loadInto(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// envString overwrites out when the named variable is set and non-empty.
func envString(name string, out *string) {
	if v := os.Getenv(name); v != "" {
		*out = v
	}
}

// envInt overwrites out when the named variable is set and non-empty.
func envInt(name string, out *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*out = n
	return nil
}

// RateLimitWindow returns the configured window as a duration.
func (c RateLimitConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}
