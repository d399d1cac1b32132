package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initSeedCount int

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "data",
	Short:   "Create schema and seed the database",
	Long: `Create the database file, its entity/version/audit schema, and write a
handful of seed rows, the way a fresh deployment would (spec.md §6).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootCtx
		opened, err := openCacheStore(ctx)
		if err != nil {
			return err
		}
		defer opened.Close()

		for i := 0; i < initSeedCount; i++ {
			key := fmt.Sprintf("seed-%d", i)
			if _, err := opened.Store.Create(ctx, key, newCacheEntry(fmt.Sprintf(`{"seed":%d}`, i))); err != nil {
				return fmt.Errorf("seed %s: %w", key, err)
			}
		}

		fmt.Println(styleOK.Render("initialized"), styleDim.Render(opened.Store.Table()), "with", initSeedCount, "seed rows")
		return nil
	},
}

func init() {
	initCmd.Flags().IntVar(&initSeedCount, "seed", 10, "number of seed rows to create")
	rootCmd.AddCommand(initCmd)
}
