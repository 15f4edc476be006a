package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/dbsentry/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run discovery and health checks continuously",
	Long: `Run dbsentry as a long-lived process.

Discovery runs every discovery.interval and health checks every
health.interval; runs never overlap.

Endpoints on metrics.addr:
- /metrics     Prometheus scrape endpoint
- /health      JSON scheduler status
- /-/healthy   liveness
- /-/ready     readiness (after the first discovery and health check)`,
	Example: `  dbsentry daemon --config dbsentry.yaml`,
	RunE:    runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	d, err := daemon.NewDaemon(daemon.Config{
		Scope:             appConfig.Scope,
		DiscoveryInterval: appConfig.Discovery.Interval,
		HealthInterval:    appConfig.Health.Interval,
	}, a.engine)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.telemetry.Handler())
	d.RegisterRoutes(mux)

	listener, err := net.Listen("tcp", appConfig.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", appConfig.Metrics.Addr, err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	var g run.Group
	{
		g.Add(func() error {
			return d.Start(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			log.Info().Str("addr", listener.Addr().String()).Msg("serving metrics and health endpoints")
			if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = server.Shutdown(shutdownCtx)
		})
	}
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}
