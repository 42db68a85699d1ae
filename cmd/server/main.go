package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/ipsdiag/internal/archive"
	"github.com/JonMunkholm/ipsdiag/internal/config"
	"github.com/JonMunkholm/ipsdiag/internal/core"
	"github.com/JonMunkholm/ipsdiag/internal/logging"
	"github.com/JonMunkholm/ipsdiag/internal/registry"
	"github.com/JonMunkholm/ipsdiag/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"upload_max_file_size", cfg.Upload.MaxFileSize.String(),
		"upload_max_concurrent", cfg.Upload.MaxConcurrent,
		"parse_workers", cfg.Parse.Workers,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	reg := registry.Default()
	if cfg.Parse.RegistryFile != "" {
		reg, err = registry.Load(cfg.Parse.RegistryFile)
		if err != nil {
			slog.Error("failed to load artifact registry", "file", cfg.Parse.RegistryFile, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("artifact registry loaded",
		"entries", len(reg.Entries()),
		"source", registrySource(cfg.Parse.RegistryFile),
	)

	pipeline := core.NewPipeline(reg, core.Options{
		Workers: cfg.Parse.Workers,
		Archive: archive.Options{
			MaxEntryBytes: cfg.Parse.MaxArtifactSize.Int64(),
			MaxTotalBytes: cfg.Parse.MaxArchiveSize.Int64(),
		},
	})
	service := core.NewService(pipeline)
	limiter := core.NewUploadLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime)
	server := web.NewServer(service, limiter, cfg)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if status := limiter.Status(); status.Active > 0 {
			slog.Info("waiting for uploads to complete", "active", status.Active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("uploads did not complete in time", "error", err)
				service.Cancel()
			} else {
				slog.Info("all uploads completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func registrySource(file string) string {
	if file == "" {
		return "built-in"
	}
	return file
}
