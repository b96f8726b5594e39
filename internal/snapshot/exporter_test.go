package snapshot

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/offlinesync/tablesync/internal/schema"
	"github.com/offlinesync/tablesync/internal/store"
	"github.com/offlinesync/tablesync/internal/types"
)

// fakeUploader is an in-memory Uploader double for exerting Exporter
// without a real or mocked S3 client.
type fakeUploader struct {
	uploaded map[string]string // storeID -> uploaded file contents
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploaded: make(map[string]string)}
}

func (f *fakeUploader) Upload(ctx context.Context, storeID, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	f.uploaded[storeID] = string(data)
	return nil
}

func (f *fakeUploader) Download(ctx context.Context, storeID, destPath string) error {
	data, ok := f.uploaded[storeID]
	if !ok {
		return ErrNotConfigured
	}
	return os.WriteFile(destPath, []byte(data), 0o644)
}

func (f *fakeUploader) PresignedURL(ctx context.Context, storeID string) (string, time.Time, error) {
	if _, ok := f.uploaded[storeID]; !ok {
		return "", time.Time{}, ErrNotConfigured
	}
	return "https://example.com/" + storeID, time.Now().Add(15 * time.Minute), nil
}

func TestExporter_ExportLocalOnly(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	st, err := store.Open(dir+"/live.db", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	if err := st.DefineTable(ctx, schema.TableDefinition{Name: "t", Columns: []schema.RawColumnDef{{Name: "id", Type: "string"}}}); err != nil {
		t.Fatalf("defineTable: %v", err)
	}
	if err := st.Upsert(ctx, "t", []types.Record{{"id": "a"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	e := NewExporter(&NoopUploader{})
	destPath := dir + "/export.db"
	if err := e.Export(ctx, st, "", destPath); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := os.Stat(destPath); err != nil {
		t.Errorf("expected snapshot file at %s: %v", destPath, err)
	}
}

func TestExporter_ExportAndImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	st, err := store.Open(dir+"/live.db", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	if err := st.DefineTable(ctx, schema.TableDefinition{Name: "t", Columns: []schema.RawColumnDef{{Name: "id", Type: "string"}}}); err != nil {
		t.Fatalf("defineTable: %v", err)
	}
	if err := st.Upsert(ctx, "t", []types.Record{{"id": "a"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	uploader := newFakeUploader()
	e := NewExporter(uploader)
	stagePath := dir + "/stage.db"
	if err := e.Export(ctx, st, "device-1", stagePath); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, ok := uploader.uploaded["device-1"]; !ok {
		t.Fatal("expected snapshot uploaded under device-1")
	}

	restorePath := dir + "/restore.db"
	if err := e.Import(ctx, "device-1", restorePath); err != nil {
		t.Fatalf("Import: %v", err)
	}

	restored, err := store.Open(restorePath, 0)
	if err != nil {
		t.Fatalf("open restored store: %v", err)
	}
	defer restored.Close()
	if err := restored.DefineTable(ctx, schema.TableDefinition{Name: "t", Columns: []schema.RawColumnDef{{Name: "id", Type: "string"}}}); err != nil {
		t.Fatalf("defineTable on restored: %v", err)
	}
	if _, err := restored.Lookup(ctx, "t", "a", false); err != nil {
		t.Errorf("expected row a to survive restore: %v", err)
	}
}

func TestExporter_ImportFailsWhenNotUploaded(t *testing.T) {
	e := NewExporter(newFakeUploader())
	err := e.Import(context.Background(), "never-uploaded", t.TempDir()+"/out.db")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Import() = %v, want wrapped ErrNotConfigured", err)
	}
}
