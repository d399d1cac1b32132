package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "admin",
	Short:   "Print row-state and storage-footprint statistics",
	Long: `Print GetStatistics' current-row counts by state (active, deleted, expired)
and the approximate on-disk size of the whole database file. Not part of spec.md
§6's CLI surface itself, added so the driver can inspect as well as write
(spec.md §4.5.1 already requires GetStatistics on the store).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootCtx
		opened, err := openCacheStore(ctx)
		if err != nil {
			return err
		}
		defer opened.Close()

		stats, err := opened.Store.GetStatistics(ctx)
		if err != nil {
			return err
		}

		fmt.Println(styleTitle.Render(opened.Store.Table()))
		fmt.Printf("  %s %d\n", styleLabel.Render("total:"), stats.TotalRows)
		fmt.Printf("  %s %d\n", styleLabel.Render("active:"), stats.ActiveRows)
		fmt.Printf("  %s %d\n", styleLabel.Render("deleted:"), stats.DeletedRows)
		fmt.Printf("  %s %d\n", styleLabel.Render("expired:"), stats.ExpiredRows)
		fmt.Printf("  %s %d bytes\n", styleLabel.Render("approx size:"), stats.ApproxSizeBytes)
		for typeName, ts := range stats.ByType {
			fmt.Printf("  %s %s: total=%d active=%d deleted=%d\n",
				styleLabel.Render("by type"), typeName, ts.TotalRows, ts.ActiveRows, ts.DeletedRows)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
