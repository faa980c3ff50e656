package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/poolscaler/internal/autoscaler"
	"github.com/terrpan/poolscaler/internal/buildinfo"
	"github.com/terrpan/poolscaler/internal/compute"
	"github.com/terrpan/poolscaler/internal/config"
	"github.com/terrpan/poolscaler/internal/health"
	"github.com/terrpan/poolscaler/internal/otel"
	"github.com/terrpan/poolscaler/internal/pool"
	"github.com/terrpan/poolscaler/internal/replay"
	"github.com/terrpan/poolscaler/internal/stall"
	"github.com/terrpan/poolscaler/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "poolscaler",
	Short: "Webhook-driven autoscaler for ephemeral self-hosted GitHub Actions runners",
	Long: `poolscaler receives workflow_job webhooks and keeps pools of ephemeral
runner instances sized to the queue, across GCP, EC2 and Docker.

Jobs select a pool with group=<name> and pool=<name> labels.  Configuration
is read from a YAML file (--config) with optional CLI flag overrides.`,
	Version:      buildinfo.Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token with admin:org scope")
	f.StringVar(&flagOverrides.GitHub.Organization, "organization", "", "GitHub organization")
	f.StringVar(&flagOverrides.GitHub.RunnerGroup, "runner-group", "", "Runner group name")
	f.StringVar(&flagOverrides.GitHub.Webhook.Secret, "webhook-secret", "", "Webhook secret for signature validation")

	f.StringVar(&flagOverrides.Server.Listen, "listen", "", "HTTP listen address (default :8080)")

	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.Organization != "" {
		cfg.GitHub.Organization = flagOverrides.GitHub.Organization
	}
	if flagOverrides.GitHub.RunnerGroup != "" {
		cfg.GitHub.RunnerGroup = flagOverrides.GitHub.RunnerGroup
	}
	if flagOverrides.GitHub.Webhook.Secret != "" {
		cfg.GitHub.Webhook.Secret = flagOverrides.GitHub.Webhook.Secret
	}
	if flagOverrides.Server.Listen != "" {
		cfg.Server.Listen = flagOverrides.Server.Listen
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("organization", cfg.GitHub.Organization),
		slog.String("runnerGroup", cfg.GitHub.RunnerGroup),
		slog.String("group", cfg.Autoscaler.Group),
		slog.Int("providers", len(cfg.Providers)),
		slog.Int("pools", len(cfg.Pools)),
	)

	pools, warnings, err := cfg.BuildPools()
	if err != nil {
		return fmt.Errorf("building pools: %w", err)
	}
	for _, w := range warnings {
		logger.Warn("pool configuration", slog.String("warning", w))
	}
	registry, err := pool.NewRegistry(pools)
	if err != nil {
		return fmt.Errorf("building pool registry: %w", err)
	}

	// ---------------------------------------------------------------
	// 3. OpenTelemetry
	// ---------------------------------------------------------------
	telemetry, err := otel.Setup(ctx, buildinfo.ServiceName, otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		Prometheus:     *cfg.OTel.Prometheus,
		ExportInterval: cfg.OTel.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("setting up opentelemetry: %w", err)
	}
	defer func() {
		if err := telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("opentelemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Fleet directory
	// ---------------------------------------------------------------
	dir, err := cfg.NewDirectory(ctx, logger)
	if err != nil {
		return fmt.Errorf("connecting to github: %w", err)
	}
	logger.Info("runner group resolved",
		slog.String("runnerGroup", cfg.GitHub.RunnerGroup),
		slog.Int64("runnerGroupID", dir.GroupID()),
	)

	// ---------------------------------------------------------------
	// 5. Compute providers
	// ---------------------------------------------------------------
	providers, err := cfg.NewProviders(ctx, dir, pools, logger)
	if err != nil {
		return fmt.Errorf("initializing providers: %w", err)
	}
	router, err := compute.NewRouter(providers, pools)
	if err != nil {
		for _, p := range providers {
			_ = p.Close()
		}
		return fmt.Errorf("routing pools: %w", err)
	}
	defer func() {
		if err := router.Close(); err != nil {
			logger.Warn("closing providers", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 6. Autoscaler
	// ---------------------------------------------------------------
	settings := cfg.AutoscalerSettings()
	settings.Registry = registry
	settings.Provider = router
	settings.Directory = dir
	settings.Logger = logger.WithGroup("autoscaler")
	if cfg.Stall.Enabled {
		settings.Stall = stall.New(cfg.StallSettings(dir, logger.WithGroup("stall")))
	}

	scaler, err := autoscaler.New(settings)
	if err != nil {
		return fmt.Errorf("creating autoscaler: %w", err)
	}
	defer scaler.Close()

	// ---------------------------------------------------------------
	// 7. HTTP server
	// ---------------------------------------------------------------
	mux := http.NewServeMux()
	mux.Handle("POST /webhook", webhook.Handler(scaler, cfg.GitHub.Webhook.Secret, logger.WithGroup("webhook")))
	mux.Handle("/healthz", health.Handler(health.Info{
		Group:     cfg.Autoscaler.Group,
		Providers: router.Providers(),
		Pools:     registry.Names(),
		Instances: scaler.InstanceCounts,
	}))
	if *cfg.OTel.Prometheus {
		mux.Handle("GET /metrics", telemetry.MetricsHandler())
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ---------------------------------------------------------------
	// 8. Run
	// ---------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return scaler.Run(gctx)
	})

	if cfg.GitHub.Webhook.ReplayOnStartup {
		g.Go(func() error {
			// Best effort.
			if _, err := replay.Run(gctx, dir, logger.WithGroup("replay")); err != nil {
				logger.Warn("webhook replay failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutting down gracefully")
	return nil
}
