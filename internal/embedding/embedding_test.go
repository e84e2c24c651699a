package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"book-rag/internal/config"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	queries int
	err     error
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.queries++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func TestProvider_EmbedQueryCaches(t *testing.T) {
	fake := &fakeEmbedder{}
	p, err := Wrap(config.EmbeddingConfig{Provider: "ollama", Model: "m", CacheSize: 8}, fake)
	require.NoError(t, err)

	first, err := p.EmbedQuery(t.Context(), "what is dharma")
	require.NoError(t, err)
	first[0] = 999

	second, err := p.EmbedQuery(t.Context(), "what is dharma")
	require.NoError(t, err)
	assert.Equal(t, []float32{14, 1}, second, "cached vector must not be affected by caller mutation")
	assert.Equal(t, 1, fake.queries)
}

func TestProvider_NoCache(t *testing.T) {
	fake := &fakeEmbedder{}
	p, err := Wrap(config.EmbeddingConfig{Provider: "ollama"}, fake)
	require.NoError(t, err)

	_, err = p.EmbedQuery(t.Context(), "a")
	require.NoError(t, err)
	_, err = p.EmbedQuery(t.Context(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.queries)
}

func TestProvider_Errors(t *testing.T) {
	fake := &fakeEmbedder{err: errors.New("connection refused")}
	p, err := Wrap(config.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", CacheSize: 2}, fake)
	require.NoError(t, err)

	_, err = p.EmbedQuery(t.Context(), "a")
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")

	_, err = p.EmbedDocuments(t.Context(), []string{"a", "b"})
	require.Error(t, err)
}

func TestProvider_EmbedDocuments(t *testing.T) {
	p, err := Wrap(config.EmbeddingConfig{Provider: "ollama"}, &fakeEmbedder{})
	require.NoError(t, err)

	vectors, err := p.EmbedDocuments(t.Context(), []string{"ab", "abc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {3, 1}}, vectors)

	vectors, err = p.EmbedDocuments(t.Context(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Provider: "bogus"})
	require.Error(t, err)
}
