package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/opsfabric/fabric/internal/audit"
	"github.com/opsfabric/fabric/internal/authz"
	"github.com/opsfabric/fabric/internal/broker"
	"github.com/opsfabric/fabric/internal/config"
	"github.com/opsfabric/fabric/internal/observability"
	"github.com/opsfabric/fabric/internal/tools"
)

// runServe wires the broker from configuration and serves until the
// context is cancelled.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.LoadBroker(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	auditLog, err := audit.New(cfg.Audit.Dir, logger)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	metrics := observability.NewMetrics(nil)

	auth, err := broker.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.StaticToken)
	if err != nil {
		return fmt.Errorf("broker auth: %w", err)
	}

	devices := broker.NewDeviceRegistry(logger)
	waiters := broker.NewWaiterStore(logger)

	catalog := tools.NewRegistry(logger)
	if err := registerCatalog(catalog); err != nil {
		return fmt.Errorf("build tool catalog: %w", err)
	}
	catalog.Freeze()

	dispatcherConfig := broker.DefaultDispatcherConfig()
	dispatcherConfig.RequireConfirmer = cfg.RequireConfirmer
	dispatcher := broker.NewDispatcher(
		catalog, devices, waiters,
		authz.NewEngine(), auditLog, metrics,
		nil, dispatcherConfig, logger,
	)

	server := broker.NewServer(broker.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		AuthTimeout:  time.Duration(cfg.Server.AuthTimeoutSeconds) * time.Second,
		PingInterval: time.Duration(cfg.Server.PingIntervalSecs) * time.Second,
		StaleAfter:   time.Duration(cfg.Server.StaleAfterSeconds) * time.Second,
	}, devices, waiters, auth, auditLog, metrics, logger)
	server.SetDispatcher(dispatcher)

	logger.Info("starting fabric broker", "version", version)
	err = server.Run(ctx)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// runDevices fetches and prints the connected-device table from a running
// broker.
func runDevices(ctx context.Context, brokerURL string) error {
	url := strings.TrimSuffix(brokerURL, "/") + "/api/devices"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reach broker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("broker returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var devices []broker.DeviceInfo
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if len(devices) == 0 {
		fmt.Println("no devices connected")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tREMOTE\tCONNECTED\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			d.DeviceID,
			d.Remote,
			d.ConnectedAt.Format(time.RFC3339),
			d.LastSeen.Format(time.RFC3339),
		)
	}
	return w.Flush()
}
