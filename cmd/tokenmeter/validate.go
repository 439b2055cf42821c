package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/tokenmeter/config"
	"github.com/artpar/tokenmeter/domain/provider"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the tokenmeter configuration.

Checks:
  - YAML syntax is valid
  - Providers, default provider and quota settings are consistent
  - Ledger store, Redis and cache are reachable (--check-backends)

Examples:
  tokenmeter validate
  tokenmeter validate --config /etc/tokenmeter/config.yaml --check-backends`,
	RunE: runValidate,
}

var validateCheckBackends bool

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckBackends, "check-backends", false, "connect to the configured store, redis and cache")
}

func runValidate(cmd *cobra.Command, args []string) error {
	source := cfgFile
	if _, err := os.Stat(cfgFile); err != nil {
		source = "environment"
	}
	fmt.Printf("Validating %s...\n\n", source)

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config valid\n", checkMark)

	cat, err := cfg.Catalog()
	if err != nil {
		return err
	}
	for _, p := range provider.All() {
		pc := cat.Get(p)
		kind := fmt.Sprintf("free %d/month", pc.FreeMonthly)
		if pc.PaidOnly {
			kind = "paid only"
		}
		limit := "unlimited"
		if pc.RateLimit > 0 {
			limit = fmt.Sprintf("%d per %s", pc.RateLimit, pc.Window)
		}
		marker := " "
		if p == cat.Default {
			marker = "*"
		}
		fmt.Printf("    %s %-10s %-18s %s\n", marker, p, kind, limit)
	}
	fmt.Printf("    store: %s, rate limit: %s, cache: %s, upstream: %s\n",
		cfg.Database.Driver, cfg.RateLimit.Backend, cfg.Cache.Backend, cfg.Upstream.Mode)

	if !validateCheckBackends {
		fmt.Println()
		fmt.Println("Configuration is valid.")
		return nil
	}

	a, err := openApp()
	if err != nil {
		fmt.Printf("  %s Backends reachable\n", crossMark)
		return err
	}
	defer a.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HealthCheck(ctx); err != nil {
		fmt.Printf("  %s Backends reachable\n", crossMark)
		return err
	}
	fmt.Printf("  %s Backends reachable\n", checkMark)

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}
