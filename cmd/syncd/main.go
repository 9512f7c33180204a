package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/puja809/kisan-sahayak-ai-sub008/internal/config"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/conflict"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/database"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/logging"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/metrics"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/queue"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/retry"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/server"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/status"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/worker"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncd",
		Short: "Offline-first synchronization service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file path")
	cmd.PersistentFlags().String("upstream-base-url", defaults.GetString("upstream.base_url"), "Domain-service gateway base URL")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("sync.batch_size"), "Mutations claimed per drain batch")
	cmd.PersistentFlags().Duration("drain-interval", defaults.GetDuration("sync.drain_interval"), "Interval between drain scans")
	cmd.PersistentFlags().Int("retry-max-attempts", defaults.GetInt("retry.max_attempts"), "Attempts per mutation before terminal failure")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "upstream.base_url", "upstream-base-url")
	bindFlag(cmd, "sync.batch_size", "batch-size")
	bindFlag(cmd, "sync.drain_interval", "drain-interval")
	bindFlag(cmd, "retry.max_attempts", "retry-max-attempts")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLoggerWithOptions(logging.Options{
		Level:    appConfig.LogLevel,
		FilePath: appConfig.LogFilePath,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	serviceMetrics := metrics.New(registry)

	policy := retry.NewPolicy(retry.PolicyConfig{
		MaxAttempts:  appConfig.MaxRetryAttempts,
		InitialDelay: appConfig.RetryInitialDelay,
		Multiplier:   appConfig.RetryMultiplier,
		MaxDelay:     appConfig.RetryMaxDelay,
		Logger:       logger,
	})

	tracker, err := status.NewTracker(status.TrackerConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	queueService, err := queue.NewService(queue.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: queue.NewUUIDProvider(),
		Tracker:    tracker,
		Policy:     policy,
		Metrics:    serviceMetrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	tracker.AttachPendingCounter(queueService)

	conflictService, err := conflict.NewService(conflict.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: queue.NewUUIDProvider(),
		Metrics:    serviceMetrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	applier, err := worker.NewHTTPApplier(worker.HTTPApplierConfig{
		BaseURL: appConfig.UpstreamBaseURL,
		Client:  &http.Client{Timeout: appConfig.UpstreamTimeout},
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	drainer, err := worker.NewDrainer(worker.DrainerConfig{
		Queue:     queueService,
		Conflicts: conflictService,
		Tracker:   tracker,
		Applier:   applier,
		Metrics:   serviceMetrics,
		Logger:    logger,
		Clock:     time.Now,
		BatchSize: appConfig.BatchSize,
		Interval:  appConfig.DrainInterval,
	})
	if err != nil {
		return err
	}

	janitor, err := worker.NewJanitor(worker.JanitorConfig{
		Queue:              queueService,
		Conflicts:          conflictService,
		Logger:             logger,
		Clock:              time.Now,
		Interval:           appConfig.CleanupInterval,
		CompletedRetention: appConfig.CompletedRetention,
		ConflictRetention:  appConfig.ConflictRetention,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Queue:     queueService,
		Conflicts: conflictService,
		Tracker:   tracker,
		Drainer:   drainer,
		Registry:  registry,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go drainer.Run(signalCtx)
	go janitor.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
