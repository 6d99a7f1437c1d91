package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	stationID string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "presencectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presencectl",
		Short: "Operator CLI for the presence server",
		Long: `presencectl drives a running presence server: it sets station modes, submits
optical decodes, replays keyboard-wedge input, follows the change feed and
manages the postgres or sqlite schema.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envDefault("PRESENCE_SERVER_URL", "http://localhost:8080"), "Base URL of the presence HTTP API")
	cmd.PersistentFlags().StringVar(&stationID, "station", envDefault("PRESENCE_STATION", "cli"), "Station id to act as")
	cmd.AddCommand(
		newStationCmd(),
		newScanCmd(),
		newKeysCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
