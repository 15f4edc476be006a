package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/dbsentry/internal/config"
	"github.com/yairfalse/dbsentry/internal/telemetry"
)

var (
	version    = "0.1.0"
	configPath string
	appConfig  *config.Config

	rootCmd = &cobra.Command{
		Use:   "dbsentry",
		Short: "Managed database fleet inventory and health alerting",
		Long: `dbsentry - Managed database fleet inventory and health alerting

dbsentry discovers RDS, Redshift and MemoryDB instances across many AWS
accounts and regions through delegated roles, tracks how they change,
and escalates sustained CloudWatch threshold violations into alerts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := telemetry.SetupLogging(cfg.Log, cfg.OTEL.ServiceName); err != nil {
				return err
			}
			appConfig = cfg
			return nil
		},
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "dbsentry.yaml", "Path to the YAML config file")
	rootCmd.SetVersionTemplate(`dbsentry {{.Version}}
`)
}
