package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "github.com/bizmatters/agent-builder/fleet-telemetry/docs" // swagger docs
)

// @title Fleet Telemetry API
// @version 1.0
// @description Live telemetry for a fleet of autonomous agents.
// @description Agents report heartbeats, tasks and logs; dashboards read statistics and subscribe to live queries.

// @contact.name API Support
// @contact.email support@bizmatters.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey APIKeyAuth
// @in header
// @name X-API-Key
// @description Shared agent key.

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT token.

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fleet-telemetry",
	Short: "Live telemetry store for a fleet of agents",
	Long: `fleet-telemetry ingests heartbeats, tasks and logs from agents and serves
statistics and live query subscriptions to dashboards.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), configPath)
	},
}

func init() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
