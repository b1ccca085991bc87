// Command chiral-transferd runs the Multi-Source Download Engine behind a
// control-surface API, grounded on the teacher's cmd/node bootstrap
// sequence: cobra root command, viper-layered config, signal-driven
// shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chiral-network/transfer-core/internal/config"
	"github.com/chiral-network/transfer-core/pkg/api"
	"github.com/chiral-network/transfer-core/pkg/engine"
	"github.com/chiral-network/transfer-core/pkg/eventbus"
	"github.com/chiral-network/transfer-core/pkg/handlers/ftp"
	"github.com/chiral-network/transfer-core/pkg/handlers/httpx"
	"github.com/chiral-network/transfer-core/pkg/metrics"
	"github.com/chiral-network/transfer-core/pkg/payment"
	"github.com/chiral-network/transfer-core/pkg/protocol"
	"github.com/chiral-network/transfer-core/pkg/retry"
	"github.com/chiral-network/transfer-core/pkg/sourcedir"
	"github.com/chiral-network/transfer-core/pkg/tracing"
	"github.com/prometheus/client_golang/prometheus"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "chiral-transferd",
		Short: "Chiral Network core transfer daemon",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./chiral-transferd.yaml)")
	root.AddCommand(startCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("chiral-transferd exited")
	}
}

func startCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the transfer daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				viper.Set("api.listen", listen)
			}
			return run()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "control-surface bind address, overrides config")
	return cmd
}

func run() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logrus.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err == nil {
		logrus.SetLevel(level)
	}
	zerolog.SetGlobalLevel(zerologLevel(cfg.Logging.Level))
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New(ctx, log.With().Str("component", "eventbus").Logger())

	registry := retry.NewRegistry(toRetryConfig(cfg.Retry.Default))
	payments := payment.NewService(log.With().Str("component", "payment").Logger())
	directory := sourcedir.NewMemoryDirectory()
	oracle := sourcedir.NewFakePaymentOracle()
	health := sourcedir.NewFakeHealthSignal()

	manager := wireProtocolManager(log)

	tracer, err := tracing.NewProvider(tracing.Config{
		ServiceName:    "chiral-transferd",
		Enabled:        cfg.Tracing.Enabled,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRatio:  cfg.Tracing.SamplingRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	var metricsHandle *metrics.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsHandle = metrics.New(prometheus.DefaultRegisterer)
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server stopped unexpectedly")
			}
		}()
	}

	healthMonitor := retry.NewHealthMonitor(registry, cfg.Retry.MinHealthyPeers)

	eng := engine.New(
		toEngineConfig(cfg.Engine),
		manager,
		bus,
		payments,
		directory,
		oracle,
		health,
		registry,
		metricsHandle,
		tracer,
		log.With().Str("component", "engine").Logger(),
	)

	apiServer := api.New(cfg.API, eng, bus, "", "", healthMonitor, log.With().Str("component", "api").Logger())
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("start control surface: %w", err)
	}
	color.Green("chiral-transferd listening on %s", cfg.API.Listen)
	log.Info().Str("listen", cfg.API.Listen).Msg("chiral-transferd started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("control surface shutdown error")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

// wireProtocolManager registers every handler that needs no external
// network collaborator at startup. Swarm-backed handlers (BitTorrent,
// BitSwap, WebRTC, ED2K) require a live peer/exchange/dialer this process
// does not construct on its own; they are added at runtime through
// Engine.RegisterHandler once such a collaborator exists (spec §6.6
// register_handler is explicitly an in-process, not HTTP, operation).
func wireProtocolManager(log zerolog.Logger) *protocol.Manager {
	m := protocol.NewManager(log)
	m.Register(httpx.New(http.DefaultClient, log.With().Str("handler", "http").Logger()))
	m.Register(ftp.New(log.With().Str("handler", "ftp").Logger()))
	return m
}

func zerologLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func toEngineConfig(c config.EngineConfig) engine.Config {
	return engine.Config{
		MaxParallelChunks: c.MaxParallelChunks,
		ChunkMaxAttempts:  c.ChunkMaxAttempts,
		StallTimeout:      c.StallTimeout,
		CancelGrace:       c.CancelGrace,
		FetchTimeout:      c.FetchTimeout,
		ManifestRetries:   c.ManifestRetries,
	}
}

func toRetryConfig(p config.RetryProfile) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = p.MaxAttempts
	cfg.InitialDelay = p.BaseDelay
	cfg.MaxDelay = p.MaxDelay
	return cfg
}
