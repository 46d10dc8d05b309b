package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the broker.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fabric broker",
		Long: `Start the broker: the device WebSocket endpoint, the dispatcher,
health and metrics endpoints, and the admin API.

Graceful shutdown is handled on SIGINT/SIGTERM: pending dispatches are
cancelled, device sockets are closed, and the audit sink is flushed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	return cmd
}

// buildDevicesCmd creates the "devices" command that lists connected
// devices via a running broker's admin API.
func buildDevicesCmd() *cobra.Command {
	var brokerURL string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices connected to a running broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(cmd.Context(), brokerURL)
		},
	}

	cmd.Flags().StringVar(&brokerURL, "broker", "http://localhost:8443",
		"Broker base URL")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("fabric " + version)
		},
	}
}
