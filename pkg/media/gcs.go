//go:build gcp

package media

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSFetcher reads gs://bucket/object references.
type GCSFetcher struct {
	client   *storage.Client
	maxBytes int64
}

// NewGCSFetcher uses application default credentials.
func NewGCSFetcher(ctx context.Context, maxBytes int64) (Fetcher, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSFetcher{client: client, maxBytes: maxBytes}, nil
}

func (f *GCSFetcher) Fetch(ctx context.Context, ref string) (*Image, error) {
	bucket, object, err := splitBucketURI(ref)
	if err != nil {
		return nil, err
	}

	r, err := f.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()

	data, err := readLimited(r, f.maxBytes)
	if err != nil {
		return nil, err
	}
	return &Image{Data: data, MIMEType: mimeOf(r.Attrs.ContentType, data)}, nil
}
