package main

import (
	"fmt"

	"github.com/offlinesync/tablesync/internal/store"
	"github.com/spf13/cobra"
)

var (
	purgeForce  bool
	purgeFilter string
)

var purgeCmd = &cobra.Command{
	Use:   "purge <table>",
	Short: "Delete local rows, optionally discarding pending ops",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := resolveClient()
		if err != nil {
			return err
		}
		defer client.Close()

		q := store.Query{Table: args[0], Filter: purgeFilter}
		if err := client.Purge(cmd.Context(), q, purgeForce); err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		fmt.Printf("purged %s\n", args[0])
		return nil
	},
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeForce, "force", false, "also discard pending ops for the table (cursor state is discarded whenever --filter is empty)")
	purgeCmd.Flags().StringVar(&purgeFilter, "filter", "", "translator filter expression restricting which rows are purged")
}
