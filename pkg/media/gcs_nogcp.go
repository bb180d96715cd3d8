//go:build !gcp

package media

import (
	"context"
	"fmt"
)

func NewGCSFetcher(ctx context.Context, maxBytes int64) (Fetcher, error) {
	return nil, fmt.Errorf("GCS image sources are not enabled in this build (use -tags gcp)")
}
