package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kittclouds/repod/internal/config"
	"github.com/kittclouds/repod/internal/corpus"
	"github.com/kittclouds/repod/internal/httpapi"
	"github.com/kittclouds/repod/internal/observability"
	"github.com/kittclouds/repod/internal/publish"
	"github.com/kittclouds/repod/internal/query"
	"github.com/kittclouds/repod/internal/store"
	"github.com/kittclouds/repod/internal/visibility"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:     "repod",
	Short:   "repod - a versioned knowledge repository with search",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("repod version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	flags := rootCmd.PersistentFlags()
	flags.String("db-path", "repod.db", "path to the sqlite database file")
	flags.String("http-addr", ":8080", "address the HTTP API listens on")
	flags.String("metrics-addr", ":9090", "address the Prometheus metrics endpoint listens on")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit logs as JSON")
	flags.Int("max-tokens-per-chunk", 180, "maximum tokens per chunked passage (not applied to indexing)")
	flags.Int("overlap-tokens", 40, "token overlap between adjacent chunks (not applied to indexing)")

	v.BindPFlag("db_path", flags.Lookup("db-path"))
	v.BindPFlag("http_addr", flags.Lookup("http-addr"))
	v.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))
	v.BindPFlag("log_level", flags.Lookup("log-level"))
	v.BindPFlag("log_json", flags.Lookup("log-json"))
	v.BindPFlag("max_tokens_per_chunk", flags.Lookup("max-tokens-per-chunk"))
	v.BindPFlag("overlap_tokens", flags.Lookup("overlap-tokens"))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the repod HTTP API and visibility pipeline",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v, "")
	if err != nil {
		return err
	}

	log := observability.NewLogger(observability.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	reg := prometheus.NewRegistry()
	obs := observability.NewRegistry(reg)

	s, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("repod: open store: %w", err)
	}
	defer s.Close()

	c := corpus.New()
	coordinator := publish.New(s, cfg.DrainRatePerSecond)
	composer := query.NewComposer(c, s, obs)

	worker := visibility.NewWorker(s, c, obs, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go worker.Run(ctx)

	mux := httpapi.NewRouter(httpapi.Deps{
		Store:       s,
		Coordinator: coordinator,
		Composer:    composer,
		Log:         log,
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	return nil
}
