package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBrokerDefaults(t *testing.T) {
	cfg, err := LoadBroker("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 8443 {
		t.Errorf("server defaults: %+v", cfg.Server)
	}
	if cfg.Audit.Dir != "audit" {
		t.Errorf("audit dir %q", cfg.Audit.Dir)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults: %+v", cfg.Logging)
	}
	if cfg.RequireConfirmer {
		t.Error("require_confirmer should default off")
	}
}

func TestLoadBrokerOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9000
auth:
  static_token: dev-token
require_confirmer: true
`)
	cfg, err := LoadBroker(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("server: %+v", cfg.Server)
	}
	if cfg.Auth.StaticToken != "dev-token" {
		t.Errorf("auth: %+v", cfg.Auth)
	}
	if !cfg.RequireConfirmer {
		t.Error("require_confirmer not applied")
	}
	// untouched sections keep their defaults
	if cfg.Audit.Dir != "audit" {
		t.Errorf("audit dir %q", cfg.Audit.Dir)
	}
}

func TestLoadBrokerExpandsEnv(t *testing.T) {
	t.Setenv("FABRIC_TEST_SECRET", "from-environment")
	path := writeConfig(t, `
auth:
  jwt_secret: ${FABRIC_TEST_SECRET}
`)
	cfg, err := LoadBroker(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-environment" {
		t.Errorf("jwt_secret %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadBrokerEnvOverridesFile(t *testing.T) {
	t.Setenv(EnvBrokerHost, "10.0.0.5")
	t.Setenv(EnvBrokerPort, "9100")
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9000
`)
	cfg, err := LoadBroker(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "10.0.0.5" || cfg.Server.Port != 9100 {
		t.Errorf("env override not applied: %+v", cfg.Server)
	}
}

func TestLoadBrokerEnvWithoutFile(t *testing.T) {
	t.Setenv(EnvBrokerHost, "broker.internal")
	cfg, err := LoadBroker("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "broker.internal" {
		t.Errorf("host %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 8443 {
		t.Errorf("unset variables should leave defaults, port %d", cfg.Server.Port)
	}
}

func TestLoadBrokerEnvBadPort(t *testing.T) {
	t.Setenv(EnvBrokerPort, "eight-thousand")
	if _, err := LoadBroker(""); err == nil || !strings.Contains(err.Error(), EnvBrokerPort) {
		t.Fatalf("got %v, want error naming %s", err, EnvBrokerPort)
	}
}

func TestLoadBrokerRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  prot: 9000
`)
	if _, err := LoadBroker(path); err == nil {
		t.Fatal("misspelled field should fail to parse")
	}
}

func TestLoadBrokerRejectsBadPort(t *testing.T) {
	for _, port := range []int{-1, 0, 70000} {
		path := writeConfig(t, "server:\n  port: "+strconv.Itoa(port)+"\n")
		if _, err := LoadBroker(path); err == nil || !strings.Contains(err.Error(), "port") {
			t.Errorf("port %d: got %v", port, err)
		}
	}
}

func TestLoadBrokerMissingFile(t *testing.T) {
	if _, err := LoadBroker(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("explicit missing path should error")
	}
}

func TestLoadAgentDefaults(t *testing.T) {
	cfg, err := LoadAgent("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Execution.DefaultTimeoutSeconds != 30 || cfg.Execution.MaxOutputBytes != 64*1024 {
		t.Errorf("execution defaults: %+v", cfg.Execution)
	}
	if cfg.RateLimit.MaxRequests != 10 || !cfg.RateLimit.Enabled {
		t.Errorf("rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.RateLimitWindow() != time.Minute {
		t.Errorf("window %s", cfg.RateLimit.RateLimitWindow())
	}
	if cfg.HeartbeatIntervalSeconds != 30 || cfg.MaxConcurrent != 4 {
		t.Errorf("agent defaults: %+v", cfg)
	}
	if !strings.HasSuffix(cfg.ConfigDir, ".fabric-agent") {
		t.Errorf("config dir %q", cfg.ConfigDir)
	}
}

func TestLoadAgentEnvOverrides(t *testing.T) {
	t.Setenv(EnvAgentBrokerURL, "https://broker.example.com")
	t.Setenv(EnvAgentRateWindowSecs, "120")
	t.Setenv(EnvAgentTimeoutSecs, "15")
	t.Setenv(EnvAgentMaxOutputBytes, "4096")
	t.Setenv(EnvAgentLogLevel, "debug")

	cfg, err := LoadAgent("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BrokerURL != "https://broker.example.com" {
		t.Errorf("broker url %q", cfg.BrokerURL)
	}
	if cfg.RateLimit.RateLimitWindow() != 2*time.Minute {
		t.Errorf("window %s", cfg.RateLimit.RateLimitWindow())
	}
	if cfg.Execution.DefaultTimeoutSeconds != 15 || cfg.Execution.MaxOutputBytes != 4096 {
		t.Errorf("execution: %+v", cfg.Execution)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level %q", cfg.Logging.Level)
	}
}

func TestLoadAgentEnvBadInteger(t *testing.T) {
	t.Setenv(EnvAgentMaxOutputBytes, "64k")
	if _, err := LoadAgent(""); err == nil || !strings.Contains(err.Error(), EnvAgentMaxOutputBytes) {
		t.Fatalf("got %v, want error naming %s", err, EnvAgentMaxOutputBytes)
	}
}

func TestLoadAgentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
config_dir: `+dir+`
execution:
  default_timeout_seconds: 10
  work_dir: /tmp
rate_limit:
  max_requests: 3
  window_seconds: 30
  enabled: false
max_concurrent: 2
`)
	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigDir != dir {
		t.Errorf("config dir %q", cfg.ConfigDir)
	}
	if cfg.Execution.DefaultTimeoutSeconds != 10 || cfg.Execution.WorkDir != "/tmp" {
		t.Errorf("execution: %+v", cfg.Execution)
	}
	if cfg.RateLimit.Enabled || cfg.RateLimit.MaxRequests != 3 {
		t.Errorf("rate limit: %+v", cfg.RateLimit)
	}
	if cfg.MaxConcurrent != 2 {
		t.Errorf("max_concurrent %d", cfg.MaxConcurrent)
	}
}
