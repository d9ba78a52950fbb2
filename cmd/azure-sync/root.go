package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string

	rootCmd = &cobra.Command{
		Use:   "azure-sync",
		Short: "Sync Azure resources into a Port catalog",
		Long: `azure-sync discovers Azure subscriptions, queries Azure Resource Graph
for resources and resource groups that changed within a trailing window,
and forwards upsert/delete records to a Port webhook.

Credentials and sync tunables come from the environment (see .env support);
daemon and telemetry tunables come from an optional YAML config file.`,
		Version: version,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
}
