// Package cmd implements the prxfinder CLI using Cobra.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/prxfinder/prxfinder/internal/api"
	"github.com/prxfinder/prxfinder/internal/config"
	"github.com/prxfinder/prxfinder/internal/logging"
	"github.com/prxfinder/prxfinder/internal/metrics"
	"github.com/prxfinder/prxfinder/internal/pipeline"
	"github.com/prxfinder/prxfinder/internal/source"
	"github.com/prxfinder/prxfinder/internal/source/textsource"
	"github.com/prxfinder/prxfinder/internal/storage"
)

// version is injected at build time via ldflags.
var version = "dev"

// -----------------------------------------------------------------------
// Flag variables — override the loaded config.Config when set
// -----------------------------------------------------------------------

var (
	flagPostgresURI string
	flagRelayPort   int
	flagAPIAddr     string
	flagLogLevel    string
	flagLogFormat   string
)

var rootCmd = &cobra.Command{
	Use:   "prxfinder",
	Short: "Harvests, validates, and serves a rotating pool of proxy endpoints",
	Long: `prxfinder harvests proxy endpoints from plug-in sources and the
control API, validates them through a probe-then-policy checker, enriches
them with geo-IP data, persists the result to Postgres, and serves the
live, checked pool through a transparent TCP relay.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagPostgresURI, "postgres-uri", "", "Postgres connection URI (overrides config/env)")
	f.IntVar(&flagRelayPort, "relay-port", 0, "TCP relay listen port (overrides config/env, 0 = use config)")
	f.StringVar(&flagAPIAddr, "api-addr", "", "HTTP control API listen address (overrides config/env)")
	f.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config/env)")
	f.StringVar(&flagLogFormat, "log-format", "", "Log format: json, text (overrides config/env)")
}

func run(_ *cobra.Command, _ []string) error {
	var logLevel slog.LevelVar
	var logger *slog.Logger

	cfg, err := config.Load(func(next *config.Config) {
		logLevel.Set(logging.ParseLevel(next.LogLevel))
		if logger != nil {
			logger.Info("config hot-reload applied",
				"log_level", next.LogLevel,
				"limit_check_proxy", next.LimitCheckProxy,
				"delta_minutes_for_check", next.DeltaMinutesForCheck,
				"note", "limit_check_proxy/delta_minutes_for_check need a restart to take effect")
		}
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg)

	logger = logging.New(cfg.LogLevel, cfg.LogFormat, &logLevel)
	logger.Info("prxfinder starting", "version", version)

	if cfg.PostgresURI == "" {
		return fmt.Errorf("postgresql_uri is required (set PRXFINDER_POSTGRESQL_URI or --postgres-uri)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway, err := storage.Open(ctx, cfg.PostgresURI)
	if err != nil {
		return fmt.Errorf("connect storage: %w", err)
	}

	m := metrics.New()

	sourceFactories := builtinSources()
	pl := pipeline.New(cfg, gateway, sourceFactories, logger, m)

	if err := pl.Start(ctx); err != nil {
		gateway.Close()
		return fmt.Errorf("start pipeline: %w", err)
	}

	go watchStorageErrors(ctx, pl.StorageErrors(), logger)

	apiSrv := api.New(cfg.APIListenAddr, pl.PersistQueue(), logger)
	go func() {
		logger.Info("control api listening", "addr", cfg.APIListenAddr)
		if err := apiSrv.Start(); err != nil {
			logger.Error("api server stopped", "err", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: metricsMux}
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsListenAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	_ = apiSrv.Stop()
	_ = metricsSrv.Close()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	pl.Stop(drainCtx)

	logger.Info("prxfinder stopped")
	return nil
}

// watchStorageErrors drains the pipeline's fatal-ish storage-error
// channel for the process lifetime, surfacing a sustained persistence
// outage at Error level instead of it being indistinguishable from any
// other stage's per-item log line (spec.md §7 item 5).
func watchStorageErrors(ctx context.Context, errs <-chan error, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			logger.Error("persistence storage error observed", "err", err)
		}
	}
}

// applyFlagOverrides lets explicit flags win over config file / env
// values for the handful of settings most often overridden at the
// command line.
func applyFlagOverrides(cfg *config.Config) {
	if flagPostgresURI != "" {
		cfg.PostgresURI = flagPostgresURI
	}
	if flagRelayPort != 0 {
		cfg.RelayListenPort = flagRelayPort
	}
	if flagAPIAddr != "" {
		cfg.APIListenAddr = flagAPIAddr
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
}

// builtinSources is the name-to-constructor registry PARSE_SOURCES
// selects from, standing in for the original's dynamic
// getattr(sources, name) lookup against its parse_module.sources
// package.
func builtinSources() map[string]pipeline.SourceFactory {
	return map[string]pipeline.SourceFactory{
		"demo": func(httpClient *http.Client) source.Source {
			return textsource.New("demo", "")
		},
	}
}
