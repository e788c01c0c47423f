package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukerupert/screentime/internal/backup"
	"github.com/dukerupert/screentime/internal/database"
	"github.com/dukerupert/screentime/internal/logging"
	"github.com/dukerupert/screentime/internal/server"
)

func main() {
	port := envOr("SCREENTIME_PORT", "8080")
	dbPath := envOr("SCREENTIME_DB_PATH", "screentime.db")

	logger := logging.Setup(
		envOr("SCREENTIME_LOG_LEVEL", "info"),
		envOr("SCREENTIME_LOG_FORMAT", "text"),
	)

	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	tickSeconds, err := strconv.Atoi(envOr("SCREENTIME_TICK_SECONDS", "15"))
	if err != nil || tickSeconds < 1 {
		tickSeconds = 15
	}

	backupCfg := backup.S3Config{
		AccessKeyID:     os.Getenv("SCREENTIME_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("SCREENTIME_S3_SECRET_ACCESS_KEY"),
		Passphrase:      os.Getenv("SCREENTIME_BACKUP_PASSPHRASE"),
	}

	srv := server.New(db, dbPath, time.Duration(tickSeconds)*time.Second, backupCfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.Scheduler().Start(ctx)
	defer srv.Scheduler().Stop()

	srv.BackupManager().Start(ctx)
	defer srv.BackupManager().Stop()

	// Expired sessions and stale rate-limit buckets accumulate slowly, so an
	// hourly sweep is plenty.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := srv.SessionStore().DeleteExpired(); err != nil {
					logger.Error("session cleanup failed", "error", err)
				} else if n > 0 {
					logger.Debug("expired sessions removed", "count", n)
				}
				srv.RateLimiter().Cleanup()
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("screentime running", "addr", "http://localhost:"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
