package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kilupskalvis/docsync/internal/config"
	"github.com/kilupskalvis/docsync/internal/remote"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new docsync workspace",
	Long: `Initialize a new docsync workspace in the current directory.
This creates a .docsync directory holding the configuration and the local cache.`,
	Run: runInit,
}

var (
	initProject  string
	initDatabase string
	initHost     string
	initSSL      bool
	initEngine   string
	initSkipPing bool
)

func init() {
	initCmd.Flags().StringVar(&initProject, "project", "", "Project ID")
	initCmd.Flags().StringVar(&initDatabase, "database", "", "Database ID (default \"(default)\")")
	initCmd.Flags().StringVar(&initHost, "host", "localhost:8080", "Backend host:port")
	initCmd.Flags().BoolVar(&initSSL, "ssl", false, "Connect with TLS")
	initCmd.Flags().StringVar(&initEngine, "engine", config.EngineBolt, "Cache engine (bbolt|sqlite)")
	initCmd.Flags().BoolVar(&initSkipPing, "offline", false, "Skip the backend reachability check")
	_ = initCmd.MarkFlagRequired("project")
}

func runInit(cmd *cobra.Command, args []string) {
	if _, err := config.FindRoot(); err == nil {
		exitError("docsync workspace already exists")
	}

	fmt.Printf("Initializing docsync workspace...\n")
	fmt.Printf("Project: %s\n", initProject)
	fmt.Printf("Backend: %s\n", initHost)

	info := remote.DatabaseInfo{ProjectID: initProject, Database: initDatabase, Host: initHost, SSL: initSSL}
	if !initSkipPing {
		fmt.Printf("Connecting to backend...\n")
		if err := pingBackend(info); err != nil {
			fmt.Printf("Warning: backend not reachable (%v), writes will be queued until it is\n", err)
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}
	cfg, err := config.Initialize(wd, initProject, initHost)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	cfg.Database = initDatabase
	cfg.SSL = initSSL
	cfg.Persistence.Engine = initEngine
	if err := cfg.Validate(); err != nil {
		os.RemoveAll(cfg.Path())
		exitError("%v", err)
	}
	if err := cfg.Save(); err != nil {
		exitError("failed to save config: %v", err)
	}

	fmt.Printf("\nInitialized empty docsync workspace in %s/\n", config.Dir)
	fmt.Printf("Syncing %s at %s\n", info.Name(), initHost)
}

// pingBackend issues an empty batch get.
func pingBackend(info remote.DatabaseInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := remote.NewHTTPConnection(info)
	_, err := conn.BatchGetDocuments(ctx, remote.Metadata{}, &remote.BatchGetRequest{Database: info.Name()})
	return err
}
