package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairlink/internal/config"
	"pairlink/internal/constants"
	"pairlink/internal/database"
	"pairlink/internal/retry"
	"pairlink/internal/service"
	"pairlink/internal/tracing"
	"pairlink/pkg/realtime"
	"pairlink/pkg/store"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	sessionID  = flag.String("session", "", "Session identifier to join")
	pairCode   = flag.String("code", "", "Pairing code to resolve into a session (alternative to -session)")
	userID     = flag.String("user", "", "User identifier for this participant")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Pairlink %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting pairlink")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *userID == "" {
		return fmt.Errorf("-user is required")
	}
	if *sessionID == "" && *pairCode == "" {
		return fmt.Errorf("either -session or -code is required")
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			if level > logrus.InfoLevel {
				level = logrus.InfoLevel
			}
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Initialize the outbox database with retry; sqlite can be briefly
	// locked by a previous instance still shutting down.
	var db *database.Database
	dbBackoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: constants.DefaultDatabaseRetryBackoffMs * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	})
	err = dbBackoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warnf("Failed to close database: %v", err)
		}
	}()

	storeClient := store.NewClient(store.Options{
		BaseURL: cfg.Store.BaseURL,
		APIKey:  cfg.Store.APIKey,
		Timeout: time.Duration(cfg.Store.TimeoutSec) * time.Second,
		Logger:  logger,
	})

	realtimeFactory := func() service.RealtimeConn {
		return service.AdaptRealtimeClient(realtime.NewClient(realtime.Config{
			URL:         cfg.Realtime.URL,
			APIKey:      cfg.Realtime.APIKey,
			Heartbeat:   time.Duration(cfg.Realtime.HeartbeatSec) * time.Second,
			JoinTimeout: time.Duration(cfg.Realtime.JoinTimeoutSec) * time.Second,
			Logger:      logger,
		}))
	}

	backoff := retry.NewBackoff(retry.FromRetrySettings(
		cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs, cfg.Retry.MaxAttempts))

	registry := service.NewParticipantRegistry(storeClient, logger)

	session := *sessionID
	if session == "" {
		resolved, err := registry.ResolveSession(ctx, *pairCode)
		if err != nil {
			return fmt.Errorf("failed to resolve pairing code: %w", err)
		}
		session = resolved.ID
		logger.WithFields(logrus.Fields{
			"session_id": session,
			"expires_at": resolved.ExpiresAt,
		}).Info("Pairing code resolved")
	}

	outbox := service.NewMessageOutbox(db, storeClient, backoff, cfg.Outbox, logger)
	presence := service.NewPresenceTracker(registry,
		time.Duration(cfg.Presence.ReconcileIntervalSec)*time.Second, logger)
	supervisor := service.NewConnectionSupervisor(realtimeFactory, backoff, logger)

	probeURL := cfg.Network.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Store.BaseURL + "/rest/v1/"
	}
	monitor := service.NewNetworkMonitor(
		service.NewHTTPProbe(probeURL, 5*time.Second),
		time.Duration(cfg.Network.ProbeIntervalSec)*time.Second,
		logger,
	)

	client := service.NewSyncClient(supervisor, outbox, presence, registry, monitor, logger)

	if err := client.InitializeSession(ctx, session, *userID); err != nil {
		return fmt.Errorf("failed to initialize session: %w", err)
	}

	srv := NewServer(client, cfg.Server, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("Operations server failed")
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		constants.DefaultGracefulShutdownSec*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Failed to shut down operations server: %v", err)
	}
	client.Cleanup(shutdownCtx)

	logger.Info("Pairlink stopped")
	return nil
}
