package vision

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Extractor after Close.
var ErrClosed = errors.New("vision: pipeline closed")

// Pipeline owns the model client behind the extractor. The client is built
// on first use and released by Close.
type Pipeline struct {
	build func(ctx context.Context) (*Extractor, io.Closer, error)

	once   sync.Once
	mu     sync.Mutex
	ext    *Extractor
	closer io.Closer
	err    error
	closed bool
}

// NewPipeline wraps a constructor. closer may be nil when the client holds no
// resources.
func NewPipeline(build func(ctx context.Context) (*Extractor, io.Closer, error)) *Pipeline {
	return &Pipeline{build: build}
}

// Extractor returns the shared extractor, building it once. A failed build is
// remembered; the pipeline does not retry.
func (p *Pipeline) Extractor(ctx context.Context) (*Extractor, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	p.once.Do(func() {
		ext, closer, err := p.build(ctx)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			// Close ran while building; nobody else will release this client.
			if closer != nil {
				_ = closer.Close()
			}
			return
		}
		p.ext, p.closer, p.err = ext, closer, err
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.ext, p.err
}

// Close releases the client if it was ever built. Safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}
