package main

import (
	"context"
	"fmt"
	"os"

	"github.com/offlinesync/tablesync/internal/pusherror"
	"github.com/offlinesync/tablesync/internal/synccontext"
	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Replay pending local mutations to the remote table service",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := resolveClient()
		if err != nil {
			return err
		}
		defer client.Close()

		report, err := client.Push(cmd.Context(), reportingPushHandler{})
		if err != nil {
			return fmt.Errorf("push: %w", err)
		}

		if jsonOutput {
			return printJSON(os.Stdout, report)
		}
		fmt.Printf("pushed %d operation(s)\n", report.Pushed)
		for _, pe := range report.UnhandledConflicts {
			fmt.Printf("unhandled conflict: table=%s id=%s action=%s cause=%v\n",
				pe.Table(), pe.RecordID(), pe.Action(), pe.Cause())
		}
		return nil
	},
}

// reportingPushHandler leaves every conflict and error unhandled,
// matching the default behavior spec.md §4.4.2 describes for a nil
// handler — it exists only to make that default's outcome explicit
// and loggable from the CLI rather than silently passing nil through.
type reportingPushHandler struct{}

func (reportingPushHandler) OnConflict(ctx context.Context, pe *pusherror.PushError) error {
	return nil
}

func (reportingPushHandler) OnError(ctx context.Context, pe *pusherror.PushError) error {
	return nil
}

var _ synccontext.PushHandler = reportingPushHandler{}
