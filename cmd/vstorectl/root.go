package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/vstore/internal/config"
)

var dbPathFlag string

var rootCmd = &cobra.Command{
	Use:   "vstorectl",
	Short: "Drive the vstore persistence engine from the command line",
	Long: `vstorectl exercises the generic versioned key-value store directly:
creating schema, writing data, inspecting statistics, and reclaiming storage.

It is a thin driver over the library, not the library's primary interface.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if dbPathFlag != "" {
			config.Set("db.path", dbPathFlag)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "database file path (overrides config)")
	rootCmd.AddGroup(&cobra.Group{ID: "data", Title: "Data commands:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Admin commands:"})
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, styleErr.Render("error:"), err)
	os.Exit(1)
}
