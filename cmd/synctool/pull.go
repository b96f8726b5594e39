package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/offlinesync/tablesync/internal/store"
	"github.com/offlinesync/tablesync/internal/synccontext"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	pullAll    bool
	pullFilter string
)

var pullCmd = &cobra.Command{
	Use:   "pull [table] [queryID]",
	Short: "Fetch and integrate server records",
	Long: "Pull a single table (optionally as an incremental query keyed by queryID), " +
		"or every defined table concurrently with --all.",
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := resolveClient()
		if err != nil {
			return err
		}
		defer client.Close()
		ctx := cmd.Context()

		if pullAll {
			stats, err := client.Stats(ctx)
			if err != nil {
				return fmt.Errorf("pull --all: %w", err)
			}
			results := make(map[string]*synccontext.PullResult, len(stats.Tables))
			var mu sync.Mutex
			g, gctx := errgroup.WithContext(ctx)
			for _, table := range stats.Tables {
				table := table
				g.Go(func() error {
					res, err := client.Pull(gctx, store.Query{Table: table}, table, synccontext.PullSettings{})
					if err != nil {
						return fmt.Errorf("pull %s: %w", table, err)
					}
					mu.Lock()
					results[table] = res
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, results)
			}
			for _, table := range stats.Tables {
				fmt.Printf("%s: integrated %d record(s)\n", table, results[table].RecordsIntegrated)
			}
			return nil
		}

		if len(args) == 0 {
			return fmt.Errorf("pull requires a table name, or --all")
		}
		table := args[0]
		var queryID string
		if len(args) == 2 {
			queryID = args[1]
		}

		result, err := client.Pull(ctx, store.Query{Table: table, Filter: pullFilter}, queryID, synccontext.PullSettings{})
		if err != nil {
			return fmt.Errorf("pull %s: %w", table, err)
		}
		if jsonOutput {
			return printJSON(os.Stdout, result)
		}
		fmt.Printf("%s: integrated %d record(s)\n", table, result.RecordsIntegrated)
		return nil
	},
}

func init() {
	pullCmd.Flags().BoolVar(&pullAll, "all", false, "pull every defined table concurrently, keyed incrementally by table name")
	pullCmd.Flags().StringVar(&pullFilter, "filter", "", "translator filter expression for a single-table pull")
}
