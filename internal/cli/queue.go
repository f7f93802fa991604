package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List writes not yet acknowledged by the backend",
	Run:   runQueue,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued writes and wait for the backend to acknowledge them",
	Long: `Start the client, send every queued write and wait until the backend
accepted or rejected all of them.`,
	Run: runSync,
}

var syncTimeout time.Duration

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", time.Minute, "How long to wait for the backend")
}

func runQueue(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	c := initClientContext(bgCtx)
	defer c.Close()

	// Reading the queue starts the client, which may already flush some
	// batches before they are listed.
	batches, err := c.Client.PendingMutationBatches(bgCtx)
	if err != nil {
		exitError("failed to read the mutation queue: %v", err)
	}
	if len(batches) == 0 {
		fmt.Println("No pending writes")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, b := range batches {
		yellow.Printf("batch %d\n", b.BatchID)
		fmt.Printf("Written: %s\n\n", b.LocalWriteTime.Time().Local().Format("Mon Jan 2 15:04:05 2006"))
		for _, m := range b.Mutations {
			printMutation(m)
		}
		fmt.Println()
	}
	fmt.Println(formatCount(len(batches), "pending batch"))
}

func printMutation(m models.Mutation) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	switch m.Type {
	case models.MutationSet:
		green.Printf("    set:    %s %s\n", m.Key, compactFields(m.Value))
	case models.MutationPatch:
		yellow.Printf("    patch:  %s %s\n", m.Key, compactFields(m.Value))
	case models.MutationDelete:
		red.Printf("    delete: %s\n", m.Key)
	default:
		fmt.Printf("    %s: %s\n", m.Type, m.Key)
	}
	for _, t := range m.Transforms {
		fmt.Printf("            %s %s\n", t.Field, t.Kind)
	}
}

func runSync(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	c := initClientContext(bgCtx)
	defer c.Close()

	batches, err := c.Client.PendingMutationBatches(bgCtx)
	if err != nil {
		exitError("failed to read the mutation queue: %v", err)
	}
	if len(batches) == 0 {
		fmt.Println("Already up to date")
		return
	}
	fmt.Printf("Sending %s...\n", formatCount(len(batches), "batch"))

	ctx, cancel := context.WithTimeout(bgCtx, syncTimeout)
	defer cancel()
	if err := c.Client.WaitForPendingWrites(ctx); err != nil {
		if ctx.Err() != nil {
			remaining, _ := c.Client.PendingMutationBatches(bgCtx)
			exitError("backend did not acknowledge %s in time", formatCount(len(remaining), "batch"))
		}
		exitError("%v", err)
	}
	color.New(color.FgGreen).Println("All writes acknowledged")
}
