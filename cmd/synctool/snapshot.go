package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/offlinesync/tablesync/internal/config"
	"github.com/offlinesync/tablesync/internal/snapshot"
	"github.com/offlinesync/tablesync/internal/store"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Back up and restore the whole local store file",
}

var (
	snapshotOut     string
	snapshotStoreID string
)

var snapshotExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a point-in-time copy of the local store, optionally uploading it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if dbPathOverride != "" {
			cfg.Store.Path = dbPathOverride
		}
		if snapshotOut == "" {
			return fmt.Errorf("--out is required")
		}

		st, err := store.Open(cfg.Store.Path, int(cfg.Store.BusyTimeout.AsDuration().Milliseconds()))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		uploader, err := snapshot.NewUploader(cfg.Snapshot)
		if err != nil {
			return fmt.Errorf("build uploader: %w", err)
		}
		exporter := snapshot.NewExporter(uploader)

		if err := exporter.Export(cmd.Context(), st, snapshotStoreID, snapshotOut); err != nil {
			return fmt.Errorf("export: %w", err)
		}

		info, err := os.Stat(snapshotOut)
		if err != nil {
			return fmt.Errorf("stat snapshot: %w", err)
		}
		fmt.Printf("wrote snapshot %s (%s)\n", snapshotOut, humanize.Bytes(uint64(info.Size())))
		if snapshotStoreID != "" {
			fmt.Printf("uploaded under store id %q\n", snapshotStoreID)
		}
		return nil
	},
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Download a previously uploaded snapshot to a local file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if snapshotStoreID == "" {
			return fmt.Errorf("--store-id is required")
		}
		if snapshotOut == "" {
			return fmt.Errorf("--out is required")
		}

		uploader, err := snapshot.NewUploader(cfg.Snapshot)
		if err != nil {
			return fmt.Errorf("build uploader: %w", err)
		}
		exporter := snapshot.NewExporter(uploader)

		if err := exporter.Import(cmd.Context(), snapshotStoreID, snapshotOut); err != nil {
			return fmt.Errorf("import: %w", err)
		}

		info, err := os.Stat(snapshotOut)
		if err != nil {
			return fmt.Errorf("stat restored snapshot: %w", err)
		}
		fmt.Printf("restored snapshot to %s (%s) — point --db at it to use it\n", snapshotOut, humanize.Bytes(uint64(info.Size())))
		return nil
	},
}

func init() {
	snapshotExportCmd.Flags().StringVar(&snapshotOut, "out", "", "destination file path for the snapshot")
	snapshotExportCmd.Flags().StringVar(&snapshotStoreID, "store-id", "", "upload the snapshot under this id (omit for a local-only export)")
	snapshotImportCmd.Flags().StringVar(&snapshotOut, "out", "", "destination file path for the restored store")
	snapshotImportCmd.Flags().StringVar(&snapshotStoreID, "store-id", "", "id the snapshot was uploaded under")

	snapshotCmd.AddCommand(snapshotExportCmd, snapshotImportCmd)
}
