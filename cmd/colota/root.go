package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dietrichmax/colota/internal/api"
	"github.com/dietrichmax/colota/internal/backup"
	"github.com/dietrichmax/colota/internal/config"
	"github.com/dietrichmax/colota/internal/events"
	"github.com/dietrichmax/colota/internal/gateway"
	"github.com/dietrichmax/colota/internal/geofence"
	"github.com/dietrichmax/colota/internal/profile"
	"github.com/dietrichmax/colota/internal/store"
	"github.com/dietrichmax/colota/internal/syncer"
	"github.com/dietrichmax/colota/internal/tracker"
	"github.com/dietrichmax/colota/internal/types"
	"github.com/dietrichmax/colota/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "colota",
	Short: "Colota - background location tracking engine",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Seed persisted settings from config on first run
	settings, err := seedSettings(ctx, db, cfg)
	if err != nil {
		return err
	}

	// 6. Outbound gateway
	gw := gateway.New()
	if settings.Endpoint != "" {
		if err := gw.ValidateEndpoint(settings.Endpoint); err != nil {
			slog.Warn("configured endpoint rejected, deliveries will fail",
				"endpoint", settings.Endpoint,
				"error", err,
			)
		}
	}

	// 7. Engine assembly. The sync engine and the connectivity probe read
	// their config through the machine so settings changes and profile
	// hot-swaps take effect without a restart; the machine is created after
	// them, hence the indirection.
	bus := events.NewBus()
	evaluator := geofence.NewEvaluator(db)
	provider := tracker.NewPushProvider()

	var machine *tracker.Machine
	checker := gateway.NewCachedChecker(gateway.NewDialChecker(func() string {
		return machine.Config().Endpoint
	}))
	engine := syncer.NewEngine(db, gw, checker, bus, func() types.ServiceConfig {
		return machine.Config()
	})

	chargingSource := profile.NewStaticSource(profile.KindCharging)
	carSource := profile.NewStaticSource(profile.KindCarConnected)
	profiles := profile.NewManager(db, func(p *types.TrackingProfile) {
		machine.ApplyProfile(p)
	}, chargingSource, carSource)

	machine = tracker.NewMachine(db, evaluator, engine, provider, bus, profiles)

	// 8. Initialize HTTP router
	handler := api.NewHandler(db, machine, provider, profiles, evaluator, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	// 9. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 10. Background workers
	uploader, err := backup.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}
	retention := worker.NewRetentionCoordinator(db,
		time.Duration(cfg.Retention.MaxAge), time.Duration(cfg.Retention.Interval))
	backups := worker.NewBackupCoordinator(db, uploader, time.Duration(cfg.Backup.Interval))

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "retention-coordinator", retention.Run)
	startWorker(ctx, &wg, "backup-coordinator", backups.Run)
	startWorker(ctx, &wg, "profile-manager", profiles.Run)
	startWorker(ctx, &wg, "event-log", func(ctx context.Context) { logEvents(ctx, bus) })

	// 11. Resume tracking if it was enabled at last shutdown
	if settings.TrackingEnabled {
		if err := machine.Start(ctx); err != nil {
			slog.Error("tracking resume failed", "error", err)
		}
	}

	// 12. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 13. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 14. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 14a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 14b. Stop the tracking session. Queued entries stay in the outbox.
	machine.Stop("Service shutting down")

	// 14c. Wait for workers to complete
	wg.Wait()

	// 14d. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// seedSettings loads the persisted service settings, creating them from the
// config file's tracking and sync sections on first run.
func seedSettings(ctx context.Context, db store.Store, cfg *config.Config) (*types.ServiceConfig, error) {
	settings, err := db.LoadSettings(ctx)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	seeded := types.ServiceConfig{
		IntervalMs:           cfg.Tracking.IntervalMs,
		MinDistance:          cfg.Tracking.MinDistance,
		Endpoint:             cfg.Tracking.Endpoint,
		HTTPMethod:           cfg.Tracking.HTTPMethod,
		AccuracyThreshold:    cfg.Tracking.AccuracyThreshold,
		FilterInaccurate:     cfg.Tracking.FilterInaccurate,
		SyncIntervalSeconds:  cfg.Sync.IntervalSeconds,
		MaxRetries:           cfg.Sync.MaxRetries,
		RetryIntervalSeconds: cfg.Sync.RetryIntervalSeconds,
		OfflineMode:          cfg.Sync.OfflineMode,
		WifiOnlySync:         cfg.Sync.WifiOnly,
	}
	if err := db.SaveSettings(ctx, seeded); err != nil {
		return nil, err
	}

	slog.Info("settings seeded from config")
	return &seeded, nil
}

// logEvents mirrors the engine's event stream into the log until ctx is
// cancelled. Observers outside the process consume the same bus through
// their own subscriptions.
func logEvents(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			switch ev.Kind {
			case types.EventSyncError:
				slog.Warn("event", "kind", ev.Kind, "failed_cycles", ev.FailedCycles)
			case types.EventTrackingStopped:
				slog.Info("event", "kind", ev.Kind, "reason", ev.Reason)
			case types.EventPauseZoneChanged:
				slog.Info("event", "kind", ev.Kind, "zone", ev.ZoneName, "entered", ev.Entered)
			default:
				slog.Debug("event", "kind", ev.Kind)
			}
		}
	}
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}
