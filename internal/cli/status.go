package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/kilupskalvis/docsync/internal/remote"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync status",
	Long:  `Show the workspace configuration, the cache client and the writes not yet acknowledged by the backend.`,
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	c := initClientContext(bgCtx)
	defer c.Close()

	st, err := c.Client.Status(bgCtx)
	if err != nil {
		exitError("failed to read status: %v", err)
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	cfg := c.Config
	db := remote.DatabaseInfo{ProjectID: cfg.ProjectID, Database: cfg.Database}
	fmt.Printf("Database %s at %s\n", db.Name(), cfg.Host)
	fmt.Printf("Cache: %s (%s)\n", cfg.PersistencePath(), cfg.Persistence.Engine)
	fmt.Printf("Client: %s", st.ClientID)
	if st.Primary {
		green.Println(" (primary)")
	} else {
		yellow.Println(" (secondary)")
	}

	fmt.Print("Network: ")
	switch {
	case !st.NetworkEnabled:
		red.Println("disabled")
	case st.OnlineState == remote.OnlineStateOnline:
		green.Println(st.OnlineState)
	case st.OnlineState == remote.OnlineStateOffline:
		red.Println(st.OnlineState)
	default:
		yellow.Println(st.OnlineState)
	}

	if st.ActiveLimbo > 0 || st.EnqueuedLimbo > 0 {
		fmt.Printf("Limbo resolutions: %d active, %d enqueued\n", st.ActiveLimbo, st.EnqueuedLimbo)
	}

	if st.PendingWrites == 0 {
		fmt.Println("\nNo pending writes, cache is in sync with acknowledged state")
		return
	}

	fmt.Printf("\n%d pending write batch(es)\n", st.PendingWrites)
	cyan.Println("  (use \"docsync queue\" to list them, \"docsync sync\" to flush)")
}
