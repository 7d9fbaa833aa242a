// Command scientistd runs the research run supervision service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/billing"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/compute"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/config"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/monitor"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/narrator"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/policy"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/restart"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/service"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/store"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/stream"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/termination"
	transporthttp "github.com/agencyenterprise/AE-Scientist-sub002/internal/transport/http"
	v1 "github.com/agencyenterprise/AE-Scientist-sub002/internal/transport/http/v1"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "scientistd",
		Short:        "Supervises autonomous research runs on remote GPU nodes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))
	return root
}

func serveFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.Int("http_port", 0, "HTTP listen port")
	fs.String("database_url", "", "SQLite DSN")
	fs.String("log_level", "", "log level (debug, info, warn, error)")
	return fs
}

func newServeCmd(configPath *string) *cobra.Command {
	fs := serveFlags()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervision service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath, fs)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().AddFlagSet(fs)
	return cmd
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath, nil)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)
			st, err := store.New(cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info("migrations applied", "database", cfg.DatabaseURL)
			return nil
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	logger.Info("starting scientistd",
		"http_port", cfg.HTTPPort,
		"database", cfg.DatabaseURL,
		"compute", cfg.Compute.BaseURL)

	st, err := store.New(cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer st.Close()

	prov := compute.NewClient(cfg.Compute.BaseURL, cfg.Compute.APIKey, cfg.Compute.RequestTimeout)

	hub := stream.NewHub(st, stream.Config{SubscriberBuffer: cfg.Stream.SubscriberBuffer}, logger)

	narr := narrator.New(st, hub, narrator.Config{
		QueueSize:     cfg.Narrator.QueueSize,
		MaxCASRetries: cfg.Narrator.MaxCASRetries,
		ApplyTimeout:  cfg.Narrator.ApplyTimeout,
	}, logger)
	defer narr.Close()

	wallet := billing.NewLedgerClient(cfg.Compute.WalletURL, cfg.Compute.RequestTimeout)
	reconciler := billing.NewReconciler(st, prov, wallet, billing.Config{
		PollInterval:  cfg.Billing.PollInterval,
		BaseInterval:  cfg.Billing.BaseInterval,
		MaxInterval:   cfg.Billing.MaxInterval,
		MaxRetryCount: cfg.Billing.MaxRetryCount,
		MaxElapsed:    cfg.Billing.MaxElapsed,
	}, logger)

	// The tunnel is optional. Without a key the workflow skips the graceful
	// in-node stop and goes straight to provider-side termination.
	var tunnel *compute.Tunnel
	if cfg.SSH.KeyPath != "" {
		tunnel, err = compute.NewTunnel(cfg.SSH.User, cfg.SSH.KeyPath, cfg.SSH.Port, cfg.SSH.TargetPort, cfg.SSH.Timeout)
		if err != nil {
			return fmt.Errorf("initialize ssh tunnel: %w", err)
		}
	} else {
		logger.Warn("no ssh key configured, graceful in-node stop disabled")
	}

	flusher := termination.NewArtifactClient(cfg.Compute.ArtifactURL, cfg.Compute.RequestTimeout)
	term := termination.New(st, prov, tunnel, flusher, reconciler, termination.Config{
		LeaseDuration:    cfg.Termination.LeaseDuration,
		PollInterval:     cfg.Termination.PollInterval,
		MaxAttempts:      cfg.Termination.MaxAttempts,
		TerminatePayload: cfg.Termination.TerminatePayload,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("initialize policy engine: %w", err)
	}

	restarter := restart.NewCoordinator(st, prov, narr, restart.Config{
		MaxRestartAttempts: cfg.Restart.MaxRestartAttempts,
		StartupGrace:       cfg.Monitor.StartupGrace,
		AddrPollInterval:   cfg.Restart.AddrPollInterval,
		AddrPollTimeout:    cfg.Restart.AddrPollTimeout,
		MaxBlockingWorkers: cfg.Restart.MaxBlockingWorkers,
	}, logger)

	mon := monitor.New(st, prov, policyEngine, restarter, term, monitor.Config{
		PollInterval:        cfg.Monitor.PollInterval,
		HeartbeatTimeout:    cfg.Monitor.HeartbeatTimeout,
		MaxMissedHeartbeats: cfg.Monitor.MaxMissedHeartbeats,
		MaxRestartAttempts:  cfg.Restart.MaxRestartAttempts,
	}, logger)

	svc := service.New(st, prov, narr, term, hub, cfg, logger)

	// Background workers
	go mon.Run(ctx)
	go term.Run(ctx)
	go reconciler.Run(ctx)

	server := transporthttp.NewServer(svc, v1.StreamConfig{
		KeepaliveInterval: cfg.Stream.KeepaliveInterval,
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			cancel()
		}
	}()
	logger.Info("api started", "port", cfg.HTTPPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}

	logger.Info("scientistd stopped")
	return nil
}
