//go:build gcp

package audit

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSinkConfig configures the GCS evidence sink.
type GCSSinkConfig struct {
	Bucket string
	Prefix string
}

// GCSSink uploads evidence packs to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	cfg    GCSSinkConfig
}

// NewGCSSink creates a GCS-backed evidence sink using ADC credentials.
func NewGCSSink(ctx context.Context, cfg GCSSinkConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: create GCS client: %w", err)
	}
	return &GCSSink{client: client, cfg: cfg}, nil
}

// Put implements ObjectSink.
func (s *GCSSink) Put(ctx context.Context, key string, data []byte) (string, error) {
	objectPath := s.cfg.Prefix + key
	w := s.client.Bucket(s.cfg.Bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("audit: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("audit: gcs close: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, objectPath), nil
}
