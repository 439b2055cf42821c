package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/artpar/tokenmeter/bootstrap"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tokenmeter",
	Short: "Token accounting and provider selection for LLM inference",
	Long: `tokenmeter meters LLM inference per user.

It keeps a ledger of free, daily and purchased balances, rate limits
each provider, caches identical responses and falls back to a free
provider when a paid one is not allowed.

Quick start:
  tokenmeter validate   # Check configuration
  tokenmeter serve      # Start the ops server

Ledger administration:
  tokenmeter ledger show <user>
  tokenmeter ledger credit <user> <amount> <event-id>
  tokenmeter ledger tier <user> <tier> <event-id>`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tokenmeter.yaml", "config file path")
}

// openApp wires the application for a one-shot admin command. Metrics go
// to a private registry and the server is never started.
func openApp() (*bootstrap.App, error) {
	a, err := bootstrap.New(bootstrap.Options{
		ConfigPath: cfgFile,
		Version:    version,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return a, nil
}
