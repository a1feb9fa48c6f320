package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver stores raw webhook delivery bodies for audit and replay. Writes
// are best-effort: a failed archive never blocks the delivery ack.
type Archiver interface {
	PutDelivery(ctx context.Context, deliveryID string, body []byte) error
}

// MinioArchive implements Archiver for MinIO/S3 compatible storage.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinioArchive connects to MinIO and ensures the bucket exists.
func NewMinioArchive(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioArchive{client: client, bucket: bucket}, nil
}

// PutDelivery stores one raw delivery body under a date-partitioned key.
func (m *MinioArchive) PutDelivery(ctx context.Context, deliveryID string, body []byte) error {
	key := deliveryKey(deliveryID, time.Now().UTC())
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put delivery %s: %w", deliveryID, err)
	}
	return nil
}

func deliveryKey(deliveryID string, now time.Time) string {
	return fmt.Sprintf("deliveries/%s/%s.json", now.Format("2006-01-02"), deliveryID)
}

// NopArchive discards deliveries. Used when archiving is not configured.
type NopArchive struct{}

func (NopArchive) PutDelivery(context.Context, string, []byte) error { return nil }
