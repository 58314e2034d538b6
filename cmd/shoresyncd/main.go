package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/fathomops/shoresync/internal/httpapi"
	"github.com/fathomops/shoresync/internal/remotestore"
	"github.com/fathomops/shoresync/internal/shoresync"
)

func main() {
	_ = godotenv.Load()

	logger := buildLogger()

	addr := os.Getenv("SHORESYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	dbPath := os.Getenv("SHORESYNC_DB_PATH")
	if dbPath == "" {
		dbPath = ".shoresync/local.db"
	}
	remoteDSN := strings.TrimSpace(os.Getenv("SHORESYNC_REMOTE_DSN"))
	if remoteDSN == "" {
		remoteDSN = "memory://"
	}
	remoteToken := os.Getenv("SHORESYNC_REMOTE_TOKEN")
	tables := splitTables(os.Getenv("SHORESYNC_TABLES"))

	store, err := shoresync.OpenLocalStore(shoresync.LocalStoreOptions{
		Path:   dbPath,
		Logger: logger.With().Str("component", "localstore").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local store")
	}
	defer store.Close()

	var validator *shoresync.PayloadValidator
	if schemaDir := strings.TrimSpace(os.Getenv("SHORESYNC_SCHEMA_DIR")); schemaDir != "" {
		validator, err = shoresync.NewPayloadValidator(shoresync.PayloadValidatorOptions{
			Dir:    schemaDir,
			Watch:  boolEnv("SHORESYNC_SCHEMA_WATCH", true),
			Logger: logger.With().Str("component", "validator").Logger(),
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load payload schemas")
		}
		defer validator.Close()
	}

	queue, err := shoresync.NewSyncQueue(shoresync.SyncQueueOptions{
		Store:      store,
		Validator:  validator,
		MaxRetries: intEnv("SHORESYNC_MAX_RETRIES", 0),
		Logger:     logger.With().Str("component", "queue").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build sync queue")
	}

	remote, err := remotestore.BuildStoreFromDSN(remoteDSN, remoteToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build remote store")
	}
	feed, err := remotestore.BuildFeedFromDSN(os.Getenv("SHORESYNC_FEED_DSN"), remoteToken, remote, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build realtime feed")
	}

	monitor := shoresync.NewNetworkMonitor(shoresync.NetworkMonitorOptions{
		Probe: shoresync.TCPProber(
			envDefault("SHORESYNC_PROBE_ADDR", "1.1.1.1:443"),
			durationEnv("SHORESYNC_PROBE_TIMEOUT", 5*time.Second)),
		Interval: durationEnv("SHORESYNC_PROBE_INTERVAL", 10*time.Second),
		Logger:   logger.With().Str("component", "netmonitor").Logger(),
	})

	engine, err := shoresync.NewEngine(shoresync.EngineOptions{
		Queue:           queue,
		Store:           store,
		Remote:          remote,
		Feed:            feed,
		Monitor:         monitor,
		Tables:          tables,
		PollInterval:    durationEnv("SHORESYNC_POLL_INTERVAL", 30*time.Second),
		RealtimeEnabled: boolEnv("SHORESYNC_REALTIME", true),
		Conflict:        shoresync.ConflictPolicy(envDefault("SHORESYNC_CONFLICT_POLICY", "latest")),
		BatchSize:       intEnv("SHORESYNC_BATCH_SIZE", 0),
		Logger:          logger.With().Str("component", "engine").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build sync engine")
	}

	missions, err := shoresync.NewMissionEngine(shoresync.MissionEngineOptions{
		Store:              store,
		Monitor:            monitor,
		Queue:              queue,
		CheckpointInterval: durationEnv("SHORESYNC_CHECKPOINT_INTERVAL", 30*time.Second),
		RecoveryBudget:     intEnv("SHORESYNC_RECOVERY_BUDGET", 0),
		RecoveryDelay:      durationEnv("SHORESYNC_RECOVERY_DELAY", 5*time.Second),
		FallbackToLocal:    boolEnv("SHORESYNC_RECOVERY_LOCAL_FALLBACK", false),
		Logger:             logger.With().Str("component", "missions").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build mission engine")
	}

	scheduler, err := shoresync.NewScheduler(shoresync.SchedulerOptions{
		Engine:          engine,
		Queue:           queue,
		Monitor:         monitor,
		CheckInterval:   durationEnv("SHORESYNC_CHECK_INTERVAL", time.Minute),
		MinSyncInterval: durationEnv("SHORESYNC_MIN_SYNC_INTERVAL", 15*time.Minute),
		Logger:          logger.With().Str("component", "scheduler").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build scheduler")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start(ctx)
	if err := missions.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start mission engine")
	}
	engine.Start()
	scheduler.Start()

	// Retention runs hourly; reads already ignore expired rows so the exact
	// cadence is uncritical.
	go func() {
		ticker := time.NewTicker(durationEnv("SHORESYNC_RETENTION_INTERVAL", time.Hour))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				scheduler.RunRetention(ctx)
			}
		}
	}()

	server := httpapi.NewServer(httpapi.ServerOptions{
		Engine:   engine,
		Queue:    queue,
		Missions: missions,
		Monitor:  monitor,
		Config: httpapi.ServerConfig{
			Token:           os.Getenv("SHORESYNC_API_TOKEN"),
			RateLimitMax:    intEnv("SHORESYNC_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv("SHORESYNC_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:    int64Env("SHORESYNC_MAX_BODY_BYTES", 0),
		},
		Logger: logger.With().Str("component", "httpapi").Logger(),
	})
	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		logger.Info().Str("addr", addr).Msg("shoresync listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	scheduler.Close()
	engine.Close()
	missions.Close()
	monitor.Close()
}

func buildLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(envDefault("SHORESYNC_LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if boolEnv("SHORESYNC_LOG_PRETTY", false) {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func envDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func splitTables(raw string) []string {
	parts := strings.Split(raw, ",")
	tables := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tables = append(tables, trimmed)
		}
	}
	return tables
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
