package appctx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"book-rag/internal/chromemdb"
	"book-rag/internal/config"
	"book-rag/internal/db"
	"book-rag/internal/embedding"
	"book-rag/internal/helper"
	"book-rag/internal/ingest"
	"book-rag/internal/llmservice"
	"book-rag/internal/metrics"
	"book-rag/internal/rag"
)

// VectorStore is an index that ingestion can also write to.
type VectorStore interface {
	rag.Index
	ingest.Store
}

// App holds the process-wide handles. Each one is built on first use, at most
// once, and shared afterwards.
type App struct {
	Config  *config.Config
	Metrics *metrics.Collector

	embedder  func() (*embedding.Provider, error)
	store     func() (VectorStore, error)
	generator func() (*llmservice.Client, error)
	ingester  func() (rag.Ingester, error)
	engine    func() (*rag.Engine, error)

	mu      sync.Mutex
	closers []func() error
}

func New(cfg *config.Config) *App {
	a := &App{Config: cfg, Metrics: metrics.New()}
	a.embedder = sync.OnceValues(func() (*embedding.Provider, error) {
		return embedding.New(cfg.Embedding)
	})
	a.store = sync.OnceValues(a.openStore)
	a.generator = sync.OnceValues(func() (*llmservice.Client, error) {
		return llmservice.New(cfg.LLM)
	})
	a.ingester = sync.OnceValues(a.buildIngester)
	a.engine = sync.OnceValues(a.buildEngine)
	return a
}

func (a *App) Embedder() (*embedding.Provider, error) { return a.embedder() }
func (a *App) Store() (VectorStore, error) { return a.store() }
func (a *App) Generator() (*llmservice.Client, error) { return a.generator() }

// Ingester is nil when ingestion is disabled.
func (a *App) Ingester() (rag.Ingester, error) { return a.ingester() }

// Engine wires the query engine over the other handles.
func (a *App) Engine() (*rag.Engine, error) { return a.engine() }

func (a *App) openStore() (VectorStore, error) {
	vs := a.Config.VectorStore
	switch vs.Provider {
	case "chromem":
		if !vs.Chromem.InMemory {
			if err := helper.CreateFolder(vs.Chromem.Path); err != nil {
				return nil, err
			}
		}
		idx, err := chromemdb.New(vs.Chromem)
		if err != nil {
			return nil, err
		}
		if vs.Chromem.InMemory && vs.Chromem.EncryptionKey != "" {
			if _, err := os.Stat(idx.ExportPath()); err == nil {
				if err := idx.Import(context.Background()); err != nil {
					log.Warn().Err(err).Str("file", idx.ExportPath()).Msg("Failed to import exported collection")
				} else {
					log.Info().Str("file", idx.ExportPath()).Msg("Imported exported collection")
				}
			}
		}
		return idx, nil
	case "pgvector":
		idx, err := db.New(vs.Database)
		if err != nil {
			return nil, err
		}
		a.onClose(idx.Close)
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported vector store provider %q", vs.Provider)
	}
}

func (a *App) buildIngester() (rag.Ingester, error) {
	switch a.Config.Ingest.Mode {
	case "none":
		return nil, nil
	case "command":
		cmd, err := ingest.NewCommand(a.Config.Ingest.Command, "")
		if err != nil {
			return nil, err
		}
		return cmd, nil
	case "pipeline":
		emb, err := a.Embedder()
		if err != nil {
			return nil, err
		}
		store, err := a.Store()
		if err != nil {
			return nil, err
		}
		return ingest.NewPipeline(a.Config.Ingest, emb, store), nil
	default:
		return nil, fmt.Errorf("unsupported ingest mode %q", a.Config.Ingest.Mode)
	}
}

func (a *App) buildEngine() (*rag.Engine, error) {
	emb, err := a.Embedder()
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	store, err := a.Store()
	if err != nil {
		return nil, fmt.Errorf("vector index: %w", err)
	}
	gen, err := a.Generator()
	if err != nil {
		return nil, fmt.Errorf("answer generator: %w", err)
	}
	ing, err := a.Ingester()
	if err != nil {
		return nil, fmt.Errorf("ingester: %w", err)
	}

	guard := rag.NewGuard(store, ing, a.Config.RAG.IngestTimeout).WithObserver(a.Metrics)
	opts := rag.OptionsFromConfig(a.Config.RAG)
	opts.Observer = a.Metrics
	return rag.NewEngine(emb, store, gen, guard, opts)
}

func (a *App) onClose(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// Close releases the handles opened so far.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
