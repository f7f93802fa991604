// Command docsync is the command-line client of the sync engine.
package main

import (
	"os"

	"github.com/kilupskalvis/docsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
