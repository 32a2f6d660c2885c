package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"robotrelay/internal/config"
)

// MinioSink uploads each snapshot as <client>/<timestamp>.jpg plus a .json
// object holding its detections.
type MinioSink struct {
	client *minio.Client
	bucket string

	mu    sync.Mutex
	ready bool
}

// NewMinioSink creates a MinIO client for the configured endpoint.
func NewMinioSink(cfg config.MinioConfig) (*MinioSink, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &MinioSink{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucketExists creates the bucket on first successful use.
func (m *MinioSink) EnsureBucketExists(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return nil
	}

	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	m.ready = true
	return nil
}

// ObjectName returns the key used for a snapshot with the given extension.
func ObjectName(snap Snapshot, ext string) string {
	return fmt.Sprintf("%s/%s%s", sanitize(snap.ClientID), snap.Timestamp.UTC().Format(timestampLayout), ext)
}

func (m *MinioSink) Put(ctx context.Context, snap Snapshot) (string, error) {
	if err := m.EnsureBucketExists(ctx); err != nil {
		return "", fmt.Errorf("bucket error: %w", err)
	}

	imageName := ObjectName(snap, ".jpg")
	_, err := m.client.PutObject(ctx, m.bucket, imageName, bytes.NewReader(snap.Image), int64(len(snap.Image)),
		minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return "", fmt.Errorf("upload error: %w", err)
	}

	meta, err := json.Marshal(struct {
		ClientID   string `json:"client_id"`
		Timestamp  string `json:"timestamp"`
		Detections any    `json:"detections"`
	}{snap.ClientID, snap.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"), snap.Detections})
	if err != nil {
		return "", fmt.Errorf("encode detections: %w", err)
	}
	_, err = m.client.PutObject(ctx, m.bucket, ObjectName(snap, ".json"), bytes.NewReader(meta), int64(len(meta)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("upload error: %w", err)
	}

	return fmt.Sprintf("%s/%s/%s", m.client.EndpointURL().Host, m.bucket, imageName), nil
}
