package artifacts

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSConfig captures the bucket artifacts are mirrored to.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCSMirror uploads artifacts to a Google Cloud Storage bucket.
type GCSMirror struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSMirror creates a GCS-backed Mirror.
func NewGCSMirror(client *storage.Client, cfg GCSConfig) (*GCSMirror, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &GCSMirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object key used for a relative artifact path.
func (m *GCSMirror) ObjectName(rel string) string {
	if m.prefix == "" {
		return rel
	}
	return path.Join(m.prefix, rel)
}

// PutObject implements Mirror and returns a gs:// URI.
func (m *GCSMirror) PutObject(ctx context.Context, rel string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("path is required")
	}
	name := m.ObjectName(rel)
	writer := m.client.Bucket(m.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", m.bucket, name), nil
}
