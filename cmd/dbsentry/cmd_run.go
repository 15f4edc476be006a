package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var healthInstances []string

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run one discovery pass and print the scan result",
	Long: `Assume the delegated role in every account in scope, list managed
databases in every region and reconcile the inventory.

The scan result is printed as JSON. Partial failures are reported in its
errors list; the command only fails on invalid configuration.`,
	Example: `  dbsentry discover --config dbsentry.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, appConfig)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		result := a.engine.RunDiscovery(ctx, appConfig.Scope)
		return writeJSON(cmd.OutOrStdout(), result)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run one health check and print the result",
	Long: `Evaluate every configured threshold rule against the inventoried
instances, escalate sustained violations and notify on critical alerts.`,
	Example: `  dbsentry health                          # All non-stale instances
  dbsentry health --instance orders-db     # One instance by id or identity key`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, appConfig)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		result := a.engine.RunHealthCheck(ctx, healthInstances)
		return writeJSON(cmd.OutOrStdout(), result)
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd, healthCmd)
	healthCmd.Flags().StringSliceVarP(&healthInstances, "instance", "i", nil, "Instance ids or identity keys to check (default all)")
}
