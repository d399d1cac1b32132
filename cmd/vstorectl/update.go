package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	updateLoops         int
	updateSimulateCrash bool
)

// crashExitCode is the exit status a simulated crash terminates with,
// distinct from both success (0) and an ordinary failure (non-zero, any
// other value), per spec.md §6.
const crashExitCode = 99

var updateCmd = &cobra.Command{
	Use:     "update",
	GroupID: "data",
	Short:   "Exercise repeated writes against one key",
	Long: `Loop --loops times, creating the key on the first pass and appending a new
version on every subsequent pass. With --simulate-crash, the process calls
os.Exit(99) partway through the loop instead of unwinding normally, so a
caller can verify the database is left consistent after an abrupt
termination (spec.md §6's exit-code contract).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootCtx
		opened, err := openCacheStore(ctx)
		if err != nil {
			return err
		}
		defer opened.Close()

		const key = "loop-entry"
		crashAt := updateLoops / 2

		for i := 0; i < updateLoops; i++ {
			payload := fmt.Sprintf(`{"loop":%d}`, i)
			rec, found, getErr := opened.Store.Get(ctx, key)
			if getErr != nil {
				return fmt.Errorf("loop %d: get: %w", i, getErr)
			}
			if !found {
				if _, err := opened.Store.Create(ctx, key, newCacheEntry(payload)); err != nil {
					return fmt.Errorf("loop %d: create: %w", i, err)
				}
			} else {
				if _, err := opened.Store.Update(ctx, key, rec.Version, newCacheEntry(payload)); err != nil {
					return fmt.Errorf("loop %d: update: %w", i, err)
				}
			}

			if updateSimulateCrash && i == crashAt {
				fmt.Fprintln(os.Stderr, styleErr.Render("simulated crash"), "at loop", i)
				os.Exit(crashExitCode)
			}
		}

		fmt.Println(styleOK.Render("completed"), updateLoops, "loops against", styleDim.Render(key))
		return nil
	},
}

func init() {
	updateCmd.Flags().IntVar(&updateLoops, "loops", 10, "number of write iterations")
	updateCmd.Flags().BoolVar(&updateSimulateCrash, "simulate-crash", false, "exit(99) partway through the loop instead of finishing normally")
	rootCmd.AddCommand(updateCmd)
}
