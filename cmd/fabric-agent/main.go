// fabric-agent is the endpoint agent for the remote device tool execution
// fabric. It enrolls a device identity, connects to the broker over
// WebSocket, and services tool calls through the local sandbox.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsfabric/fabric/internal/agent"
	"github.com/opsfabric/fabric/internal/config"
	"github.com/opsfabric/fabric/internal/identity"
	"github.com/opsfabric/fabric/internal/observability"
	"github.com/opsfabric/fabric/internal/ratelimit"
	"github.com/opsfabric/fabric/internal/sandbox"
	"github.com/opsfabric/fabric/internal/tools"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	enrollCode := flag.String("enroll", "", "Enroll with the given code and exit")
	brokerURL := flag.String("broker", "", "Broker base URL (required with --enroll)")
	reset := flag.Bool("reset", false, "Delete the device identity and exit")
	status := flag.Bool("status", false, "Print enrollment status and exit")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	store := identity.NewStore(cfg.ConfigDir)

	switch {
	case *enrollCode != "":
		if *brokerURL == "" {
			fmt.Fprintln(os.Stderr, "error: --broker is required with --enroll")
			return 1
		}
		enroller := identity.NewTokenEnroller(store)
		ident, err := enroller.Enroll(*enrollCode, *brokerURL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "enrollment failed:", err)
			return 1
		}
		fmt.Printf("enrolled device %s with broker %s\n", ident.DeviceID, ident.BrokerURL)
		return 0

	case *reset:
		if err := store.Clear(); err != nil {
			fmt.Fprintln(os.Stderr, "reset failed:", err)
			return 1
		}
		fmt.Println("device identity cleared")
		return 0

	case *status:
		return printStatus(store)
	}

	ident, err := store.Load()
	if err != nil {
		if errors.Is(err, identity.ErrNotEnrolled) {
			fmt.Fprintln(os.Stderr, "device is not enrolled; run with --enroll CODE --broker URL first")
		} else {
			fmt.Fprintln(os.Stderr, "load identity:", err)
		}
		return 1
	}
	if cfg.BrokerURL != "" {
		ident.BrokerURL = cfg.BrokerURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildAgent(ident, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	logger.Info("starting fabric agent", "version", version, "broker", ident.BrokerURL)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// buildAgent wires the local tool table, the sandbox, and the runtime.
func buildAgent(ident *identity.Identity, cfg *config.AgentConfig, logger *slog.Logger) (*agent.Agent, error) {
	registry := tools.NewRegistry(logger)
	if err := agent.RegisterBuiltins(registry, time.Now(), version); err != nil {
		return nil, err
	}
	registry.Freeze()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.RateLimitWindow(),
		Enabled:     cfg.RateLimit.Enabled,
	})

	executor := sandbox.New(registry, limiter, sandbox.Config{
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
		DefaultTimeout: time.Duration(cfg.Execution.DefaultTimeoutSeconds) * time.Second,
		WorkDir:        cfg.Execution.WorkDir,
		RawMinRole:     tools.RoleHumanAgent,
	}, logger)

	agentConfig := agent.DefaultConfig()
	agentConfig.HeartbeatInterval = time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second
	agentConfig.MaxConcurrent = cfg.MaxConcurrent

	return agent.New(ident, registry, executor, agentConfig, logger), nil
}

func printStatus(store *identity.Store) int {
	ident, err := store.Load()
	switch {
	case errors.Is(err, identity.ErrNotEnrolled):
		fmt.Println("not enrolled")
		return 0
	case err != nil:
		fmt.Fprintln(os.Stderr, "load identity:", err)
		return 1
	}
	fmt.Printf("enrolled\n  device_id: %s\n  broker:    %s\n  since:     %s\n",
		ident.DeviceID, ident.BrokerURL, ident.EnrolledAt.Format(time.RFC3339))
	return 0
}
