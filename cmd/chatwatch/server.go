package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatwatch/chatwatch/internal/config"
	"github.com/chatwatch/chatwatch/internal/metrics"
	"github.com/chatwatch/chatwatch/internal/reminder"
	"github.com/chatwatch/chatwatch/internal/server"
	"github.com/chatwatch/chatwatch/internal/storage"
	"github.com/chatwatch/chatwatch/internal/storage/bolt"
	"github.com/chatwatch/chatwatch/internal/storage/redis"
	"github.com/chatwatch/chatwatch/internal/systemd"
	"github.com/chatwatch/chatwatch/internal/tracker"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the ChatWatch daemon",
	Long:  `Start the ChatWatch daemon with the command API, reminder scheduler, and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting ChatWatch")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the reminder scheduler first so the worker can feed it
	// activity signals.
	var reminders *reminder.Scheduler
	if cfg.Reminders.Enabled {
		thresholds := make([]time.Duration, 0, len(cfg.Reminders.DurationThresholds))
		for _, raw := range cfg.Reminders.DurationThresholds {
			thresholds = append(thresholds, parseDuration(raw, 0))
		}
		reminders, err = reminder.New(
			store.Reminders(),
			reminder.LogNotifier{Logger: logger},
			reminder.Config{
				GracePeriod:        parseDuration(cfg.Reminders.GracePeriod, 5*time.Minute),
				CheckInterval:      parseDuration(cfg.Reminders.CheckInterval, 15*time.Second),
				DurationThresholds: thresholds,
				FixedTimes:         cfg.Reminders.FixedTimes,
			},
			logger,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize reminder scheduler: %w", err)
		}
	}

	// Initialize the usage worker
	workerOpts := []tracker.Option{}
	if reminders != nil {
		workerOpts = append(workerOpts, tracker.WithActivityListener(reminders.Touch))
	}
	worker := tracker.NewWorker(
		store.Stats(),
		tracker.Config{
			PollInterval:     parseDuration(cfg.Tracker.PollInterval, tracker.DefaultPollInterval),
			IdleTimeout:      parseDuration(cfg.Tracker.IdleTimeout, tracker.DefaultIdleTimeout),
			FlushInterval:    parseDuration(cfg.Tracker.FlushInterval, tracker.DefaultFlushInterval),
			HistoryCacheSize: cfg.Tracker.HistoryCacheSize,
		},
		logger,
		workerOpts...,
	)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(rootCtx); err != nil {
			logger.Error().Err(err).Msg("Worker exited with error")
		}
	}()

	logger.Info().Msg("Usage worker started")

	remindersDone := make(chan struct{})
	if reminders != nil {
		go func() {
			defer close(remindersDone)
			if err := reminders.Run(rootCtx); err != nil {
				logger.Error().Err(err).Msg("Reminder scheduler exited with error")
			}
		}()
		logger.Info().Msg("Reminder scheduler started")
	} else {
		close(remindersDone)
	}

	// Retention sweep: drop daily records older than the configured window,
	// once at startup and then nightly.
	retention := cron.New()
	if cfg.Tracker.RetentionDays > 0 {
		sweep := func() {
			cutoff := time.Now().AddDate(0, 0, -cfg.Tracker.RetentionDays).Format(storage.DateLayout)
			removed, err := store.Stats().DeleteDaysBefore(rootCtx, cutoff)
			if err != nil {
				logger.Error().Err(err).Str("cutoff", cutoff).Msg("Retention sweep failed")
				return
			}
			if removed > 0 {
				logger.Info().Int("removed", removed).Str("cutoff", cutoff).Msg("Retention sweep removed old daily records")
			}
		}
		if _, err := retention.AddFunc("30 3 * * *", sweep); err != nil {
			return fmt.Errorf("failed to schedule retention sweep: %w", err)
		}
		go sweep()
		retention.Start()
	}

	// Initialize API server
	apiServer := server.NewServer(server.Config{ListenAddr: cfg.Server.ListenAddr}, worker, logger)
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("API server started")

	// Initialize metrics server
	metricsServer := metrics.NewServer(cfg.Server.MetricsAddr, logger)
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("Metrics server started")

	logger.Info().Msg("ChatWatch startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	retention.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	// Stop the worker and scheduler; the worker performs its final flush on
	// the way out.
	cancel()
	<-workerDone
	<-remindersDone

	logger.Info().Msg("ChatWatch stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
