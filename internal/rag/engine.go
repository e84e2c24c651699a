package rag

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"book-rag/internal/config"
	"book-rag/internal/models"
)

// Embedder turns text into a vector. Implementations must be safe for
// concurrent use.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Index is the read side of the vector store.
type Index interface {
	Count(ctx context.Context) (int, error)
	// Query returns at most topK matches ordered by descending similarity.
	// A nil filter means no metadata filtering at all.
	Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]models.Match, error)
}

// Catalog is implemented by indexes that can list their books exactly.
type Catalog interface {
	Books(ctx context.Context) ([]string, error)
}

// Generator is a chat-completion capability.
type Generator interface {
	Generate(ctx context.Context, messages []models.Message, opts models.GenerateOptions) (string, error)
}

// Ingester populates an empty index.
type Ingester interface {
	Ingest(ctx context.Context) error
}

// Observer receives per-operation outcomes. Outcome is "ok" or a Kind string.
type Observer interface {
	ObserveRequest(op, outcome string, elapsed time.Duration)
	ObserveIngestion(outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, string, time.Duration) {}
func (nopObserver) ObserveIngestion(string, time.Duration)       {}

type Options struct {
	TopK            int
	QuestionCount   int
	BooksSampleSize int
	MaxContextChars int
	Observer        Observer
}

// OptionsFromConfig maps the rag section of the configuration.
func OptionsFromConfig(cfg config.RAGConfig) Options {
	return Options{
		TopK:            cfg.TopK,
		QuestionCount:   cfg.QuestionCount,
		BooksSampleSize: cfg.BooksSampleSize,
		MaxContextChars: cfg.MaxContextChars,
	}
}

// Engine answers questions and builds quizzes from the vector index. It holds
// no per-request state and is safe for concurrent use.
type Engine struct {
	embedder  Embedder
	index     Index
	generator Generator
	guard     *Guard
	opts      Options
	observer  Observer
	tracer    trace.Tracer
}

func NewEngine(embedder Embedder, index Index, generator Generator, guard *Guard, opts Options) (*Engine, error) {
	if embedder == nil {
		return nil, errors.New("rag: embedder is required")
	}
	if index == nil {
		return nil, errors.New("rag: index is required")
	}
	if generator == nil {
		return nil, errors.New("rag: generator is required")
	}
	if guard == nil {
		guard = NewGuard(index, nil, config.DefaultIngestTimeout)
	}
	if opts.TopK <= 0 {
		opts.TopK = config.DefaultTopK
	}
	if opts.QuestionCount <= 0 {
		opts.QuestionCount = config.DefaultQuestionCount
	}
	if opts.BooksSampleSize <= 0 {
		opts.BooksSampleSize = config.DefaultBooksSampleSize
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = config.DefaultMaxContextChars
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Engine{
		embedder:  embedder,
		index:     index,
		generator: generator,
		guard:     guard,
		opts:      opts,
		observer:  observer,
		tracer:    otel.Tracer("book-rag/rag"),
	}, nil
}

// Guard returns the bootstrap guard shared by every operation of the engine.
func (e *Engine) Guard() *Guard { return e.guard }

func (e *Engine) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	e.observer.ObserveRequest(op, outcome, time.Since(start))
}
