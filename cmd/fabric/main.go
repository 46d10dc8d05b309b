// fabric is the broker for the remote device tool execution fabric. It
// accepts endpoint agent connections over WebSocket, routes tool
// invocations to them, and audits every dispatch.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := buildRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fabric",
		Short:         "Remote device tool execution broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildDevicesCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
