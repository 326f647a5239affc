// Command fleetctl is the operator tool for fleet-telemetry: credentials
// and a live query viewer.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/auth"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/config"
)

// MinKeyLength is the shortest agent key hash-key accepts
const MinKeyLength = 16

var rootCmd = &cobra.Command{
	Use:          "fleetctl",
	Short:        "Manage fleet-telemetry credentials",
	SilenceUsage: true,
}

func newHashKeyCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "hash-key",
		Short: "Print the bcrypt hash to configure as AGENT_API_KEY_HASH",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(key) < MinKeyLength {
				return fmt.Errorf("key must be at least %d characters", MinKeyLength)
			}
			hash, err := auth.HashAPIKey(key)
			if err != nil {
				return fmt.Errorf("failed to hash key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "agent API key (required)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		roles      []string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dashboard JWT signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			jm, err := auth.NewJWTManager(cfg.Auth.JWTSecret)
			if err != nil {
				return err
			}
			token, err := jm.GenerateToken(context.Background(), subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, usually the dashboard user (required)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleViewer}, "roles granted by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func init() {
	rootCmd.AddCommand(newHashKeyCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newWatchCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
