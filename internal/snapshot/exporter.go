package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/offlinesync/tablesync/internal/store"
)

// Exporter ties a local store's point-in-time Snapshot to an Uploader,
// giving the synctool CLI (and any embedding application) a single
// call for "back this device up" and "restore this device".
type Exporter struct {
	uploader Uploader
}

// NewExporter wraps an Uploader (NoopUploader for local-only export).
func NewExporter(uploader Uploader) *Exporter {
	return &Exporter{uploader: uploader}
}

// Export writes a consistent snapshot of st to destPath. When storeID
// is non-empty, the snapshot is also uploaded under that id; an empty
// storeID performs a local-only export.
func (e *Exporter) Export(ctx context.Context, st *store.SQLiteStore, storeID, destPath string) error {
	if err := st.Snapshot(ctx, destPath); err != nil {
		return fmt.Errorf("snapshot: export: %w", err)
	}
	if storeID == "" {
		return nil
	}
	if err := e.uploader.Upload(ctx, storeID, destPath); err != nil {
		return fmt.Errorf("snapshot: export: %w", err)
	}
	return nil
}

// Import downloads the snapshot stored under storeID to destPath. The
// caller is responsible for pointing a store at destPath (the local
// store must not be open against destPath while this runs).
func (e *Exporter) Import(ctx context.Context, storeID, destPath string) error {
	if err := e.uploader.Download(ctx, storeID, destPath); err != nil {
		return fmt.Errorf("snapshot: import: %w", err)
	}
	return nil
}

// PresignedURL delegates to the underlying Uploader.
func (e *Exporter) PresignedURL(ctx context.Context, storeID string) (string, time.Time, error) {
	return e.uploader.PresignedURL(ctx, storeID)
}
