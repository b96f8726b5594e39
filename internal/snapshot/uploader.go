// Package snapshot provides whole-local-store backup and restore: a
// point-in-time copy of the embedded SQLite file, optionally shipped
// to S3-compatible storage for device backup/recovery. When S3 is not
// configured (empty bucket), NoopUploader is used and all remote
// operations are skipped, keeping the feature local-only.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/offlinesync/tablesync/internal/config"
)

// ErrNotConfigured is returned when S3 snapshot storage is not configured.
var ErrNotConfigured = errors.New("snapshot: remote storage not configured")

// Uploader ships a local store snapshot to remote storage and back.
type Uploader interface {
	// Upload uploads the snapshot file at filePath under storeID.
	Upload(ctx context.Context, storeID string, filePath string) error

	// Download fetches the snapshot stored under storeID to destPath.
	// Returns ErrNotConfigured when remote storage is not configured.
	Download(ctx context.Context, storeID string, destPath string) error

	// PresignedURL returns a pre-signed URL for downloading the snapshot.
	// Returns ErrNotConfigured when remote storage is not configured.
	PresignedURL(ctx context.Context, storeID string) (url string, expiry time.Time, err error)
}

// s3Client defines the minimal minio.Client operations used by S3Uploader.
// This interface enables testing with mock implementations.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts interface{}) error
	FGetObject(ctx context.Context, bucket, objectName, destPath string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
// This is necessary because minio.Client methods have concrete option types
// that differ from our simplified interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string, opts interface{}) error {
	putOpts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, putOpts)
	return err
}

func (w *minioClientWrapper) FGetObject(ctx context.Context, bucket, objectName, destPath string) error {
	return w.client.FGetObject(ctx, bucket, objectName, destPath, minio.GetObjectOptions{})
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader uploads store snapshots to S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	urlExpiry time.Duration
}

// Upload uploads the snapshot file at filePath for the given store.
func (u *S3Uploader) Upload(ctx context.Context, storeID string, filePath string) error {
	key := objectKey(storeID)
	if err := u.client.FPutObject(ctx, u.bucket, key, filePath, nil); err != nil {
		return fmt.Errorf("upload snapshot to remote storage: %w", err)
	}
	return nil
}

// Download fetches the snapshot for the given store to destPath.
func (u *S3Uploader) Download(ctx context.Context, storeID string, destPath string) error {
	key := objectKey(storeID)
	if err := u.client.FGetObject(ctx, u.bucket, key, destPath); err != nil {
		return fmt.Errorf("download snapshot from remote storage: %w", err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for the snapshot.
func (u *S3Uploader) PresignedURL(ctx context.Context, storeID string) (string, time.Time, error) {
	key := objectKey(storeID)
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, key, u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	expiry := time.Now().Add(u.urlExpiry)
	return presigned.String(), expiry, nil
}

// NoopUploader is used when remote storage is not configured.
// Upload is a no-op, Download and PresignedURL return ErrNotConfigured.
type NoopUploader struct{}

// Upload is a no-op when remote storage is not configured.
func (u *NoopUploader) Upload(ctx context.Context, storeID string, filePath string) error {
	return nil
}

// Download returns ErrNotConfigured when remote storage is not configured.
func (u *NoopUploader) Download(ctx context.Context, storeID string, destPath string) error {
	return ErrNotConfigured
}

// PresignedURL returns ErrNotConfigured when remote storage is not configured.
func (u *NoopUploader) PresignedURL(ctx context.Context, storeID string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.SnapshotConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	endpoint := stripScheme(cfg.Endpoint, &useSSL)
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	urlExpiry := cfg.URLExpiry.AsDuration()
	if urlExpiry <= 0 {
		urlExpiry = 15 * time.Minute
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create remote storage client: %w", err)
	}

	return &S3Uploader{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		urlExpiry: urlExpiry,
	}, nil
}

// stripScheme removes a leading "http://" or "https://" from endpoint,
// flipping *ssl to false for an explicit "http://" prefix. A bare host
// (no scheme) is left untouched and *ssl keeps its caller-supplied default.
func stripScheme(endpoint string, ssl *bool) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		*ssl = true
		return strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		*ssl = false
		return strings.TrimPrefix(endpoint, "http://")
	default:
		return endpoint
	}
}

// objectKey returns the remote object key for a store's snapshot.
// Convention: {store_id}/snapshot/current.db
func objectKey(storeID string) string {
	return storeID + "/snapshot/current.db"
}
