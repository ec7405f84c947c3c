package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/your-org/faceid/internal/config"
)

// SnapshotStore keeps enrollment source images in MinIO so operators can
// audit what a user was enrolled from. Writes are fire-and-forget from the
// caller's point of view.
type SnapshotStore struct {
	client *minio.Client
	bucket string
}

func NewSnapshotStore(cfg config.MinIOConfig) (*SnapshotStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &SnapshotStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *SnapshotStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// snapshotKey lays objects out as enrollments/<externalID>/<unix-nano>.jpg so
// re-enrollments of the same subject sort chronologically.
func snapshotKey(externalID string, at time.Time) string {
	return fmt.Sprintf("enrollments/%s/%d.jpg", externalID, at.UnixNano())
}

// PutEnrollment stores the source image of one enrollment.
func (s *SnapshotStore) PutEnrollment(ctx context.Context, externalID string, imageData []byte) (string, error) {
	key := snapshotKey(externalID, time.Now())
	reader := bytes.NewReader(imageData)
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, int64(len(imageData)), minio.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return "", fmt.Errorf("put enrollment %s: %w", key, err)
	}
	return key, nil
}

// ListEnrollments returns the snapshot keys for one subject, in the order
// MinIO returns them.
func (s *SnapshotStore) ListEnrollments(ctx context.Context, externalID string) ([]string, error) {
	prefix := "enrollments/" + externalID + "/"
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list enrollments %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// DeleteEnrollments removes all snapshots for one subject in a single batch
// request. Called when the subject is deleted.
func (s *SnapshotStore) DeleteEnrollments(ctx context.Context, externalID string) error {
	keys, err := s.ListEnrollments(ctx, externalID)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)
	for result := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return fmt.Errorf("delete snapshot %s: %w", result.ObjectName, result.Err)
		}
	}
	return nil
}

// Ping checks MinIO connectivity.
func (s *SnapshotStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
