package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"book-rag/internal/config"
)

// Provider turns text into vectors with the configured embedding model. Query
// vectors are optionally kept in an LRU cache. Safe for concurrent use.
type Provider struct {
	provider string
	model    string
	impl     embeddings.Embedder
	cache    *lru.Cache[string, []float32]
}

// New builds a provider for cfg.Provider ("ollama" or "openai").
func New(cfg config.EmbeddingConfig) (*Provider, error) {
	log.Debug().Interface("config", map[string]string{
		"provider":        cfg.Provider,
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("Loaded embedding config")

	var (
		impl embeddings.Embedder
		err  error
	)
	switch cfg.Provider {
	case "ollama":
		impl, err = NewOllamaEmbedder(cfg.BaseURL, cfg.Model)
	case "openai":
		impl, err = NewEmbedder(cfg.Key, cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Wrap(cfg, impl)
}

// Wrap builds a provider around an existing langchaingo embedder.
func Wrap(cfg config.EmbeddingConfig, impl embeddings.Embedder) (*Provider, error) {
	if impl == nil {
		return nil, fmt.Errorf("embedder implementation is required")
	}
	p := &Provider{provider: cfg.Provider, model: cfg.Model, impl: impl}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding cache: %w", err)
		}
		p.cache = cache
	}
	return p, nil
}

// NewEmbedder creates an embedder for an OpenAI-compatible endpoint.
func NewEmbedder(key, baseURL, model string) (*embeddings.EmbedderImpl, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(key, "Bearer ")),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize openai embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return embedder, nil
}

// NewOllamaEmbedder creates an embedder backed by an ollama server.
func NewOllamaEmbedder(serverURL, model string) (*embeddings.EmbedderImpl, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(serverURL),
		ollama.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return embedder, nil
}

// EmbedQuery returns the vector for a single query text.
func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var key string
	if p.cache != nil {
		key = cacheKey(text)
		if v, ok := p.cache.Get(key); ok {
			return cloneVector(v), nil
		}
	}
	vector, err := p.impl.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding with %s/%s failed: %w", p.provider, p.model, err)
	}
	if p.cache != nil && len(vector) > 0 {
		p.cache.Add(key, cloneVector(vector))
	}
	return vector, nil
}

// EmbedDocuments returns one vector per text, in order. Document vectors are
// not cached.
func (p *Provider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := p.impl.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d documents with %s/%s failed: %w", len(texts), p.provider, p.model, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(texts))
	}
	return vectors, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
