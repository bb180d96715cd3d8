// Package media downloads product images referenced by the catalog. An
// image reference is an http(s) URL, an s3://bucket/key URI, or, in builds
// tagged gcp, a gs://bucket/object URI.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnsupportedScheme is returned for references no fetcher handles.
var ErrUnsupportedScheme = errors.New("media: unsupported image reference")

// ErrTooLarge is returned when an image exceeds the size limit.
var ErrTooLarge = errors.New("media: image too large")

// Image is a downloaded image.
type Image struct {
	Data     []byte
	MIMEType string
}

// Fetcher downloads one image reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (*Image, error)
}

// Router dispatches on the reference scheme.
type Router struct {
	schemes map[string]Fetcher
}

func NewRouter() *Router {
	return &Router{schemes: make(map[string]Fetcher)}
}

// Handle registers f for a URI scheme such as "s3".
func (r *Router) Handle(scheme string, f Fetcher) *Router {
	r.schemes[strings.ToLower(scheme)] = f
	return r
}

func (r *Router) Fetch(ctx context.Context, ref string) (*Image, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("media: parse %q: %w", ref, err)
	}
	f, ok := r.schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, ref)
	}
	return f.Fetch(ctx, ref)
}

// HTTPFetcher downloads over http and https.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPFetcher(maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: maxBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("media: build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: get %s: %w", ref, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: get %s: status %d", ref, resp.StatusCode)
	}
	data, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		return nil, err
	}
	return &Image{Data: data, MIMEType: mimeOf(resp.Header.Get("Content-Type"), data)}, nil
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("media: read: %w", err)
	}
	if int64(len(data)) > max {
		return nil, ErrTooLarge
	}
	return data, nil
}

// mimeOf prefers the declared image type and sniffs otherwise.
func mimeOf(declared string, data []byte) string {
	if mt, _, _ := strings.Cut(declared, ";"); strings.HasPrefix(mt, "image/") {
		return strings.TrimSpace(mt)
	}
	return http.DetectContentType(data)
}

// splitBucketURI splits "scheme://bucket/key" into bucket and key.
func splitBucketURI(ref string) (bucket, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", err
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("media: %q must look like %s://bucket/key", ref, u.Scheme)
	}
	return u.Host, key, nil
}
