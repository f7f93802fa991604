// Command docsync-emulator runs the local docsync backend without a
// workspace.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kilupskalvis/docsync/internal/emulator"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	listen := flag.String("listen", envOrDefault("DOCSYNC_LISTEN", "0.0.0.0:8080"), "Listen address")
	dataDir := flag.String("data-dir", envOrDefault("DOCSYNC_DATA_DIR", "/var/lib/docsync-emulator"), "Data directory")
	token := flag.String("token", os.Getenv("DOCSYNC_TOKEN"), "Bearer token clients must present")
	rpm := flag.Int("requests-per-minute", 0, "Per-client request limit (0 disables)")
	metricsAddr := flag.String("metrics-addr", os.Getenv("DOCSYNC_METRICS_ADDR"), "Prometheus metrics listen address")
	logLevel := flag.String("log-level", envOrDefault("DOCSYNC_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("DOCSYNC_LOG_FORMAT", "json"), "Log format (json, text)")
	flag.Parse()

	// Setup logger
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	store, err := emulator.OpenStore(filepath.Join(*dataDir, "emulator.db"))
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", *dataDir)
		os.Exit(1)
	}
	defer store.Close()

	cfg := emulator.DefaultConfig()
	cfg.Token = *token
	cfg.RequestsPerMinute = *rpm
	srv := emulator.New(store, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		metrics := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer metrics.Close()
	}

	logger.Info("starting docsync-emulator", "listen", *listen, "data_dir", *dataDir)
	if err := srv.Serve(ctx, *listen); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
