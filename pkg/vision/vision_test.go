package vision

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/llm"
)

func reply(content string) llm.Client {
	return llm.ClientFunc(func(ctx context.Context, msgs []llm.Message, _ *llm.SamplingOptions) (*llm.Response, error) {
		return &llm.Response{Content: content}, nil
	})
}

func TestParseKeywords(t *testing.T) {
	assert.Equal(t, []string{"polo shirt", "navy", "cotton"}, ParseKeywords("Polo Shirt, navy,\ncotton, NAVY."))
	assert.Empty(t, ParseKeywords(""))
	assert.Empty(t, ParseKeywords(" , ,\n"))
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences("```{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, StripFences("  {\"a\":1} "))
}

func TestExtractor_Keywords_SendsImage(t *testing.T) {
	var got []llm.Message
	var opts *llm.SamplingOptions
	client := llm.ClientFunc(func(ctx context.Context, msgs []llm.Message, o *llm.SamplingOptions) (*llm.Response, error) {
		got, opts = msgs, o
		return &llm.Response{Content: "polo shirt, navy"}, nil
	})

	kw, err := NewExtractor(client).Keywords(context.Background(), []byte("img"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, []string{"polo shirt", "navy"}, kw)

	require.Len(t, got, 1)
	require.Len(t, got[0].Parts, 2)
	assert.Contains(t, got[0].Parts[0].Text, "5 to 7 lowercase keywords")
	assert.Equal(t, "image/jpeg", got[0].Parts[1].MIMEType)
	assert.Equal(t, []byte("img"), got[0].Parts[1].Data)
	require.NotNil(t, opts)
	require.NotNil(t, opts.Temperature)
	assert.Equal(t, 0.0, *opts.Temperature)
}

func TestExtractor_Keywords_Error(t *testing.T) {
	boom := errors.New("quota")
	client := llm.ClientFunc(func(context.Context, []llm.Message, *llm.SamplingOptions) (*llm.Response, error) {
		return nil, boom
	})
	_, err := NewExtractor(client).Keywords(context.Background(), []byte("x"), "image/png")
	assert.ErrorIs(t, err, boom)
}

func TestExtractor_Category(t *testing.T) {
	c, err := NewExtractor(reply("```json\n{\"category\": \" Saree \"}\n```")).Category(context.Background(), nil, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "saree", c)

	_, err = NewExtractor(reply("it is a saree")).Category(context.Background(), nil, "image/png")
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestExtractor_Disambiguate(t *testing.T) {
	var prompt string
	client := llm.ClientFunc(func(ctx context.Context, msgs []llm.Message, _ *llm.SamplingOptions) (*llm.Response, error) {
		prompt = msgs[0].Parts[0].Text
		return &llm.Response{Content: " `PS-02`\n"}, nil
	})
	cands := catalog.CandidateSet{
		{Code: "PS-01", Name: "Classic Polo", Tags: []string{"polo shirt"}},
		{Code: "PS-02", Name: "Navy Polo", Tags: []string{"polo shirt", "navy"}},
	}

	code, err := NewExtractor(client).Disambiguate(context.Background(), []byte("i"), "image/jpeg", cands)
	require.NoError(t, err)
	assert.Equal(t, "PS-02", code)
	assert.Contains(t, prompt, "- PS-01: Classic Polo (polo shirt)")
	assert.Contains(t, prompt, "- PS-02: Navy Polo (polo shirt, navy)")
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestPipeline_BuildsOnceAndCloses(t *testing.T) {
	var builds, closes int32
	p := NewPipeline(func(ctx context.Context) (*Extractor, io.Closer, error) {
		atomic.AddInt32(&builds, 1)
		return NewExtractor(reply("x")), closerFunc(func() error {
			atomic.AddInt32(&closes, 1)
			return nil
		}), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ext, err := p.Extractor(context.Background())
			assert.NoError(t, err)
			assert.NotNil(t, ext)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&closes))

	_, err := p.Extractor(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipeline_CloseDuringBuildReleasesClient(t *testing.T) {
	building := make(chan struct{})
	release := make(chan struct{})
	var closes int32
	p := NewPipeline(func(ctx context.Context) (*Extractor, io.Closer, error) {
		close(building)
		<-release
		return NewExtractor(reply("x")), closerFunc(func() error {
			atomic.AddInt32(&closes, 1)
			return nil
		}), nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Extractor(context.Background())
		errCh <- err
	}()

	<-building
	require.NoError(t, p.Close())
	close(release)

	assert.ErrorIs(t, <-errCh, ErrClosed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&closes))
	require.NoError(t, p.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&closes))
}

func TestPipeline_CloseBeforeUse(t *testing.T) {
	p := NewPipeline(func(ctx context.Context) (*Extractor, io.Closer, error) {
		t.Fatal("build must not run")
		return nil, nil, nil
	})
	require.NoError(t, p.Close())
	_, err := p.Extractor(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipeline_BuildErrorIsSticky(t *testing.T) {
	var builds int32
	p := NewPipeline(func(ctx context.Context) (*Extractor, io.Closer, error) {
		atomic.AddInt32(&builds, 1)
		return nil, nil, errors.New("no api key")
	})
	_, err := p.Extractor(context.Background())
	require.Error(t, err)
	_, err = p.Extractor(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}
