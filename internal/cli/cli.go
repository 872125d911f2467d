// ============================================================================
// Dispatcher CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running and inspecting the dispatcher state store
//
// Command Structure:
//   dispatcher                     # Root command
//   ├── run                        # Recover and serve health + metrics
//   ├── replay                     # Recover into memory, print stats as JSON
//   │   └── --image               # Also print the recovered store image
//   ├── validate                   # Check journal and snapshot integrity
//   ├── status                     # Configuration and store statistics
//   ├── --config, -c               # Config file (YAML)
//   └── --version
//
// Configuration:
//   Defaults, then the YAML file, then DISPATCHER_* environment variables
//   (see config.go).
//
// run Command:
//   1. Open the gRPC listener; health reports NOT_SERVING
//   2. Start the metrics HTTP server (if enabled)
//   3. Recover the store (snapshot + journal replay)
//   4. Health reports SERVING
//   5. On SIGINT/SIGTERM: NOT_SERVING, stop the dispatcher (final
//      snapshot), stop gRPC and metrics servers
//
// replay / validate / status never open the journal for writing and can run
// next to a live dispatcher.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/dispatcher-state/internal/dispatcher"
	"github.com/ChuLiYu/dispatcher-state/internal/journal"
	"github.com/ChuLiYu/dispatcher-state/internal/metrics"
	"github.com/ChuLiYu/dispatcher-state/internal/snapshot"
	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// HealthService is the service name reported next to the server-wide ("")
// health status.
const HealthService = "dispatcher.State"

const shutdownTimeout = 10 * time.Second

var log = slog.Default()

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "Dispatcher: a crash-recoverable state store for job dispatch",
		Long: `Dispatcher keeps datasets, workers, jobs, tasks and job clients in a
deterministic in-memory store with:
- Journal-based durability
- Snapshot-based recovery
- Prometheus metrics
- gRPC health reporting`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/dispatcher.yaml", "config file path (empty for defaults and environment only)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildReplayCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// setup loads the configuration and applies its log level.
func setup() (*Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	level, _ := parseLogLevel(cfg.LogLevel)
	slog.SetLogLoggerLevel(level)
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the dispatcher state store",
		Long:  "Recover the store from snapshot and journal, then serve gRPC health and Prometheus metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}

			lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
			if err != nil {
				return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, lis)
		},
	}
}

// serve runs the dispatcher behind lis until ctx is cancelled.
func serve(ctx context.Context, cfg *Config, lis net.Listener) error {
	healthServer := health.NewServer()
	setServing(healthServer, healthpb.HealthCheckResponse_NOT_SERVING)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	grpcErr := make(chan error, 1)
	go func() {
		log.Info("gRPC server listening", "addr", lis.Addr().String())
		grpcErr <- grpcServer.Serve(lis)
	}()
	defer grpcServer.GracefulStop()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port, reg)
		go func() {
			log.Info("Starting metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Error("Failed to stop metrics server", "error", err)
			}
		}()
	}

	d, err := dispatcher.New(cfg.dispatcherConfig(), collector)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	defer d.Stop()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	setServing(healthServer, healthpb.HealthCheckResponse_SERVING)
	log.Info("Dispatcher started", "last_seq", d.Status().LastSeq)

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, stopping gracefully...")
	case err := <-grpcErr:
		healthServer.Shutdown()
		return fmt.Errorf("gRPC server failed: %w", err)
	}

	healthServer.Shutdown()
	return nil
}

func setServing(hs *health.Server, status healthpb.HealthCheckResponse_ServingStatus) {
	hs.SetServingStatus("", status)
	hs.SetServingStatus(HealthService, status)
}

// ============================================================================
// replay
// ============================================================================

type replayReport struct {
	Recovery dispatcher.RecoveryStats `json:"recovery"`
	Image    *types.StateImage        `json:"image,omitempty"`
}

func buildReplayCommand() *cobra.Command {
	var withImage bool

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Recover the store in memory and print recovery stats",
		Long:  "Load the snapshot, replay the journal tail and print the result as JSON. Nothing is written.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return replay(cmd.Context(), cmd.OutOrStdout(), cfg, withImage)
		},
	}

	cmd.Flags().BoolVar(&withImage, "image", false, "include the recovered store image")
	return cmd
}

func replay(ctx context.Context, out io.Writer, cfg *Config, withImage bool) error {
	st, stats, err := dispatcher.Recover(ctx, cfg.dispatcherConfig())
	if err != nil {
		return err
	}

	report := replayReport{Recovery: stats}
	if withImage {
		img := st.Snapshot()
		report.Image = &img
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check journal and snapshot integrity",
		Long:  "Verify journal checksums and ordering, load the snapshot and replay the journal against it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return validate(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func validate(ctx context.Context, out io.Writer, cfg *Config) error {
	fmt.Fprintf(out, "Journal: %s\n", cfg.Journal.Path)
	stats, err := journal.Inspect(cfg.Journal.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintln(out, "  └─ not found (first start)")
	case err != nil:
		if stats != nil {
			fmt.Fprintf(out, "  └─ %d valid entries before the failure\n", stats.Entries)
		}
		return fmt.Errorf("journal invalid: %w", err)
	default:
		fmt.Fprintf(out, "  ├─ Entries:   %d\n", stats.Entries)
		fmt.Fprintf(out, "  └─ Seq range: %d..%d\n", stats.FirstSeq, stats.LastSeq)
	}

	fmt.Fprintf(out, "Snapshot: %s\n", cfg.Snapshot.Path)
	data, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
	if err != nil {
		return fmt.Errorf("snapshot invalid: %w", err)
	}
	fmt.Fprintf(out, "  └─ Last seq:  %d\n", data.LastSeq)

	if _, _, err := dispatcher.Recover(ctx, cfg.dispatcherConfig()); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	fmt.Fprintln(out, "OK")
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show dispatcher status",
		Long:  "Display the configuration and the statistics of the recovered store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func showStatus(ctx context.Context, out io.Writer, cfg *Config) error {
	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Journal:         %s (sync=%t)\n", cfg.Journal.Path, cfg.Journal.Sync)
	fmt.Fprintf(out, "  ├─ Snapshot:        %s\n", cfg.Snapshot.Path)
	fmt.Fprintf(out, "  │  ├─ Interval:     %s\n", cfg.Snapshot.Interval)
	fmt.Fprintf(out, "  │  └─ Backups:      %d\n", cfg.Snapshot.Backups)
	fmt.Fprintf(out, "  ├─ gRPC Port:       %d\n", cfg.GRPC.Port)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Metrics:         http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Metrics:         disabled")
	}
	fmt.Fprintln(out)

	st, stats, err := dispatcher.Recover(ctx, cfg.dispatcherConfig())
	if err != nil {
		return fmt.Errorf("failed to recover store: %w", err)
	}
	s := st.Stats()

	fmt.Fprintln(out, "Store:")
	fmt.Fprintf(out, "  ├─ Last Seq:        %d (snapshot %d + %d replayed)\n", stats.LastSeq, stats.SnapshotSeq, stats.Replayed)
	fmt.Fprintf(out, "  ├─ Datasets:        %d\n", s.Datasets)
	fmt.Fprintf(out, "  ├─ Workers:         %d (%d available)\n", s.Workers, s.AvailableWorkers)
	fmt.Fprintf(out, "  ├─ Jobs:            %d (%d finished)\n", s.Jobs, s.FinishedJobs)
	fmt.Fprintf(out, "  ├─ Tasks:           %d (%d pending)\n", s.Tasks, s.PendingTasks)
	fmt.Fprintf(out, "  └─ Job Clients:     %d\n", s.JobClients)
	return nil
}
