package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove least recently used entries from the local cache",
	Long: `Run one pass of the LRU garbage collector. Targets not used by any
active query and documents no longer referenced are removed once the cache
is above persistence.cache_size_bytes.`,
	Run: runGC,
}

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Manage data bundles",
}

var bundleLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load a bundle into the local cache",
	Long: `Load a JSON bundle of documents and named queries into the local cache.
Use "-" to read from standard input. A bundle that was already loaded is
skipped.`,
	Args: cobra.ExactArgs(1),
	Run:  runBundleLoad,
}

func init() {
	bundleCmd.AddCommand(bundleLoadCmd)
}

func runGC(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	c := initClientContext(bgCtx)
	defer c.Close()

	res, err := c.Client.CollectGarbage(bgCtx)
	if err != nil {
		exitError("garbage collection failed: %v", err)
	}
	if !res.DidRun {
		fmt.Println("Cache is below the collection threshold, nothing to do")
		return
	}
	color.New(color.FgGreen).Printf("Removed %s and %s\n",
		formatCount(res.TargetsRemoved, "target"), formatCount(res.DocumentsRemoved, "document"))
}

func runBundleLoad(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()

	r := os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			exitError("%v", err)
		}
		defer f.Close()
		r = f
	}

	c := initClientContext(bgCtx)
	defer c.Close()

	res, err := c.Client.LoadBundle(bgCtx, r)
	if err != nil {
		exitError("failed to load bundle: %v", err)
	}
	if res.Skipped {
		fmt.Println("Bundle already loaded, skipped")
		return
	}
	color.New(color.FgGreen).Printf("Loaded %s (%d bytes)\n", formatCount(res.DocumentsLoaded, "document"), res.BytesLoaded)
}
