package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var optimizeCmd = &cobra.Command{
	Use:     "optimize",
	GroupID: "admin",
	Short:   "Reclaim storage (VACUUM)",
	Long: `Run OptimizeStorage, the engine's storage-reclamation command (VACUUM for
SQLite). Not part of spec.md §6's CLI surface itself, added for the same
reason as stats: a driver that can write but never compact is incomplete.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootCtx
		opened, err := openCacheStore(ctx)
		if err != nil {
			return err
		}
		defer opened.Close()

		if err := opened.Store.OptimizeStorage(ctx); err != nil {
			return err
		}
		fmt.Println(styleOK.Render("optimized"), styleDim.Render(opened.Store.Table()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(optimizeCmd)
}
