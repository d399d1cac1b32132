// Command vstorectl is the driver binary for the storage engine: not part
// of the library itself, included for completeness of the external
// interfaces spec.md §6 describes (init, update --loops N --simulate-crash,
// plus the GetStatistics/OptimizeStorage wrappers stats and optimize).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// rootCtx is cancelled on SIGINT/SIGTERM; every subcommand threads it
// through instead of building its own, so Ctrl-C during a long bulk
// operation unwinds cleanly through context cancellation.
var rootCtx context.Context

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCtx = ctx

	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
}
