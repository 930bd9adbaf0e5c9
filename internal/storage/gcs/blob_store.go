// Package gcs stores captured artifacts in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters for the GCS artifact store.
type Config struct {
	Bucket string
}

// BlobStore writes run artifacts (screenshots, rendered markup) to a
// configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// PutObject uploads one artifact and returns its gs:// reference. Artifact
// keys are run-scoped and never rewritten, so the upload is a single request
// (screenshots and markup are far below the resumable-upload threshold) and
// the object is tagged with its pipeline origin.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	key := strings.TrimLeft(strings.TrimSpace(path), "/")
	if key == "" {
		return "", fmt.Errorf("artifact key is required")
	}

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ChunkSize = 0
	w.CacheControl = "private, max-age=86400"
	w.Metadata = map[string]string{"source": "sitelens-capture"}
	if contentType != "" {
		w.ContentType = contentType
	}

	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("upload artifact %s: %w (close writer: %v)", key, err, closeErr)
		}
		return "", fmt.Errorf("upload artifact %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize artifact %s: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}
