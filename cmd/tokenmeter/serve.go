package main

import (
	"github.com/spf13/cobra"

	"github.com/artpar/tokenmeter/bootstrap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ops server",
	Long: `Start tokenmeter with its operational HTTP server.

The server will:
  - Load configuration from tokenmeter.yaml (or --config)
  - Or load configuration from TOKENMETER_* environment variables
  - Open the ledger store, rate limiter and response cache
  - Serve /healthz, /metrics, /version and /v1/ledgers/{user}
  - Reload provider limits and allowances on file change or SIGHUP

Environment variables (for container deployments):
  TOKENMETER_DATABASE_DRIVER   - memory, sqlite or postgres
  TOKENMETER_DATABASE_DSN      - Database path or URL
  TOKENMETER_REDIS_ADDR        - Redis address for redis backends
  TOKENMETER_SERVER_PORT       - Server port (default: 8080)
  TOKENMETER_LOG_LEVEL         - Log level: debug, info, warn, error

Examples:
  tokenmeter serve
  tokenmeter serve --config /etc/tokenmeter/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(bootstrap.Options{
		ConfigPath: cfgFile,
		Version:    version,
	})
	if err != nil {
		return err
	}

	// Run blocks until SIGINT or SIGTERM.
	return app.Run()
}
