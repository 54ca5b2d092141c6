// Package main is the entry point for the calendar sync server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/daybook/calsync/internal/api"
	"github.com/daybook/calsync/internal/calendar"
	"github.com/daybook/calsync/internal/config"
	"github.com/daybook/calsync/internal/storage"
	"github.com/daybook/calsync/internal/websocket"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dataDir := flag.String("data", "", "Data directory for SQLite database (overrides config)")
	healthCheck := flag.Bool("health-check", false, "Run health check and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if *healthCheck {
		if err := runHealthCheck(cfg.Listen); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}
	slog.Info("starting calendar sync server", "version", version, "listen", cfg.Listen)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := storage.NewDB(filepath.Join(cfg.DataDir, "calsync.db"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := storage.RunMigrationsContext(ctx, db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	hub := websocket.NewHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	users := storage.NewUserRepository(db)
	settings := storage.NewCalendarSettingsRepository(db)
	events := storage.NewCalendarEventRepository(db)

	fetcher := calendar.NewFetcher(calendar.FetcherConfig{
		Timeout:      cfg.Fetch.Timeout,
		MaxRedirects: cfg.Fetch.MaxRedirects,
		MaxBytes:     cfg.Fetch.MaxBytes,
		UserAgent:    cfg.Fetch.UserAgent,
	})

	var limiter *rate.Limiter
	if cfg.SweepRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SweepRatePerSecond), 1)
	}

	syncService := calendar.NewSyncService(settings, events, fetcher, calendar.NewParser(cfg.Parse.MaxEvents), calendar.SyncConfig{
		Location:            loc,
		RetentionPastDays:   cfg.Retention.PastDays,
		RetentionFutureDays: cfg.Retention.FutureDays,
		Limiter:             limiter,
		Notifier:            websocket.NewEventBroadcaster(hub),
	})

	scheduler := calendar.NewScheduler(syncService, cfg.SweepInterval)
	if err := scheduler.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr: cfg.Listen,
		Handler: api.NewRouter(api.Services{
			DB:        db,
			Users:     users,
			Settings:  settings,
			Events:    events,
			Syncer:    syncService,
			Scheduler: scheduler,
			Hub:       hub,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		scheduler.Stop()
		return fmt.Errorf("serving http: %w", err)
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// runHealthCheck probes the running server's health endpoint.
func runHealthCheck(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost" + addr + "/api/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
