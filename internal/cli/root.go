// Package cli implements the command-line interface for docsync.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kilupskalvis/docsync/internal/auth"
	"github.com/kilupskalvis/docsync/internal/config"
	"github.com/kilupskalvis/docsync/internal/core"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/remote"
	"github.com/kilupskalvis/docsync/internal/store"
	"github.com/spf13/cobra"
)

// terminateTimeout bounds the shutdown of the client when a command ends.
const terminateTimeout = 10 * time.Second

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Client *core.Client
	Logger *slog.Logger
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	if err := c.Client.Terminate(ctx); err != nil {
		c.Logger.Warn("terminate client", "error", err)
	}
}

// initContext loads the workspace config (no client)
func initContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}
	return &cmdContext{Config: cfg, Logger: newLogger(cfg.Log, os.Stderr)}
}

// initClientContext loads the config and starts a client over the
// workspace cache.
func initClientContext(ctx context.Context) *cmdContext {
	c := initContext()
	cfg := c.Config

	deps := core.ClientDeps{}
	if cfg.AuthToken != "" {
		token := cfg.AuthToken
		deps.Credentials = auth.NewJWTCredentialsProvider(func(context.Context) (string, error) {
			return token, nil
		}, c.Logger)
	}
	if cfg.AppCheckToken != "" {
		deps.AppCheck = auth.NewStaticAppCheckProvider(cfg.AppCheckToken)
	}

	client, err := core.NewClient(ctx, core.ClientConfig{
		Database: remote.DatabaseInfo{
			ProjectID: cfg.ProjectID,
			Database:  cfg.Database,
			Host:      cfg.Host,
			SSL:       cfg.SSL,
		},
		PersistenceDir:                cfg.PersistencePath(),
		PersistenceEngine:             store.EngineKind(cfg.Persistence.Engine),
		CacheSizeBytes:                cfg.Persistence.CacheSizeBytes,
		MaxConcurrentLimboResolutions: cfg.Persistence.MaxConcurrentLimboResolutions,
		MaxPendingWrites:              cfg.Persistence.MaxPendingWrites,
		IndexAutoCreation:             cfg.Persistence.IndexAutoCreation,
		Logger:                        c.Logger,
	}, deps)
	if err != nil {
		exitError("failed to start client: %v", err)
	}
	c.Client = client
	return c
}

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Offline-first document sync",
	Long: `docsync keeps a local cache of a remote document database in sync.
Writes are queued locally and sent when the backend is reachable; queries
are answered from the cache and kept up to date by a listen stream.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(emulatorCmd)
}

// newLogger builds the slog handler selected by the log config.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// parseKey parses a document path argument.
func parseKey(path string) models.DocumentKey {
	key, err := models.NewDocumentKey(path)
	if err != nil {
		exitError("invalid document path %q: %v", path, err)
	}
	return key
}
