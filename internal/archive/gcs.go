package archive

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// DefaultUploadTimeout bounds a single object write.
const DefaultUploadTimeout = 2 * time.Minute

// GCS is a Store backed by one Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

var _ Store = (*GCS)(nil)

// NewGCS creates a storage client using Application Default Credentials
// unless opts say otherwise. Close releases it.
func NewGCS(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewGCS: create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Close closes the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// Put uploads data to object in the bucket.
func (g *GCS) Put(ctx context.Context, object string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultUploadTimeout)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("Put: write %s: %w", object, err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("Put: finalize upload %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, object), nil
}

// Open reads the object at a gs:// URI. The URI may name any bucket.
func (g *GCS) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	rc, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Open: reading object %s/%s: %w", bucket, object, err)
	}
	return rc, nil
}
