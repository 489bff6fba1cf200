package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/octopus-sh/octopus/pkg/api"
	"github.com/octopus-sh/octopus/pkg/config"
	"github.com/octopus-sh/octopus/pkg/coordinator"
	"github.com/octopus-sh/octopus/pkg/log"
	"github.com/octopus-sh/octopus/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configFile string

func main() {
	// A local .env is optional; absence is not an error.
	godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "octopus",
	Short: "Octopus - lightweight distributed task orchestrator",
	Long: `Octopus dispatches plugin-based tasks from a single coordinator to a
fleet of user-addressed workers. Tasks are owned by a username (or the
ANYONE/ALL sentinels), bound to workers by liveness-aware assignment
passes, and executed by per-worker plugin schedulers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Octopus version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")

	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(paramCmd)
	rootCmd.AddCommand(assignCmd)
}

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator process",
	Long: `Run the coordinator: the HTTP API, the SQLite-backed store, the
assignment engine, and the execution ledger with its retention sweep.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadCoordinator(configFile)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		app, err := coordinator.New(cfg)
		if err != nil {
			return err
		}
		app.Start()

		srv := api.NewServer(app)
		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			app.Stop()
			return err
		case sig := <-sigCh:
			fmt.Printf("\nReceived %v, shutting down...\n", sig)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: http shutdown: %v\n", err)
		}
		app.Stop()
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process",
	Long: `Run a worker: heartbeat with host telemetry, pull assigned tasks into
the plugin scheduler, drain control commands, and replay the execution
outbox after coordinator outages.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWorker(configFile)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		worker.Version = Version
		w, err := worker.New(cfg)
		if err != nil {
			return err
		}
		w.Start()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		fmt.Printf("\nReceived %v, shutting down...\n", sig)

		w.Stop()
		return nil
	},
}
