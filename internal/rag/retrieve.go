package rag

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"book-rag/internal/models"
)

const opRetrieve = "retrieve"

// Retrieve checks the index is ready, then returns the chunks closest to
// query. An empty bookFilter disables filtering; a non-empty one restricts
// results to that book only.
func (e *Engine) Retrieve(ctx context.Context, query, bookFilter string, topK int) (models.RetrievalResult, error) {
	if err := e.guard.EnsureReady(ctx); err != nil {
		return models.RetrievalResult{}, err
	}
	return e.retrieve(ctx, query, bookFilter, topK)
}

func (e *Engine) retrieve(ctx context.Context, query, bookFilter string, topK int) (models.RetrievalResult, error) {
	if topK < 1 {
		return models.RetrievalResult{}, newError(KindInvalidRequest, opRetrieve, "top_k must be at least 1", nil)
	}
	ctx, span := e.tracer.Start(ctx, "rag.retrieve", trace.WithAttributes(
		attribute.Int("top_k", topK),
		attribute.String("book", bookFilter),
	))
	defer span.End()

	vector, err := e.embedQuery(ctx, query)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.RetrievalResult{}, err
	}

	var filter map[string]string
	if bookFilter != "" {
		filter = map[string]string{models.MetaBook: bookFilter}
		log.Debug().Str("book", bookFilter).Msg("Searching in book")
	}
	if err := ctx.Err(); err != nil {
		return models.RetrievalResult{}, newError(KindIndexUnavailable, opRetrieve, "cancelled before vector search", err)
	}
	matches, err := e.index.Query(ctx, vector, topK, filter)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.RetrievalResult{}, newError(KindIndexUnavailable, opRetrieve, "vector search failed", err)
	}

	usable := make([]models.Match, 0, len(matches))
	for _, m := range matches {
		if _, ok := m.Text(); !ok {
			log.Warn().Str("id", m.ID).Msg("Dropping match without text metadata")
			continue
		}
		usable = append(usable, m)
		if len(usable) == topK {
			break
		}
	}
	span.SetAttributes(attribute.Int("matches", len(usable)))
	log.Debug().Int("matches", len(usable)).Int("raw_matches", len(matches)).Msg("Found relevant chunks")
	return models.RetrievalResult{Matches: usable}, nil
}

func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindEmbeddingFailure, "embed", "cancelled before embedding", err)
	}
	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, newError(KindEmbeddingFailure, "embed", "failed to embed query", err)
	}
	if len(vector) == 0 {
		return nil, newError(KindEmbeddingFailure, "embed", "embedder returned an empty vector", nil)
	}
	return vector, nil
}

// PromptContext is assembled prompt context. The zero value is the "no context"
// sentinel.
type PromptContext struct {
	text string
}

// NoContext signals that retrieval produced nothing usable.
var NoContext = PromptContext{}

func (c PromptContext) Empty() bool    { return strings.TrimSpace(c.text) == "" }
func (c PromptContext) String() string { return c.text }

// AssembleContext joins the passages of result in retrieval order, separated
// by a blank line. With maxChars > 0 passages are admitted until the budget is
// reached; only a leading passage is ever cut, later ones are dropped whole.
func AssembleContext(result models.RetrievalResult, maxChars int) PromptContext {
	var b strings.Builder
	for _, m := range result.Matches {
		text, ok := m.Text()
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		sep := 0
		if b.Len() > 0 {
			sep = len(models.ContextSeparator)
		}
		if maxChars > 0 && b.Len()+sep+len(text) > maxChars {
			if b.Len() == 0 {
				b.WriteString(truncate(text, maxChars))
			}
			break
		}
		if sep > 0 {
			b.WriteString(models.ContextSeparator)
		}
		b.WriteString(text)
	}
	if b.Len() == 0 {
		return NoContext
	}
	return PromptContext{text: b.String()}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
