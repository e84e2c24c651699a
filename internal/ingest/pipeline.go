package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"book-rag/internal/config"
	"book-rag/internal/models"
	"book-rag/internal/parser"
)

// Store is the write side of the vector index.
type Store interface {
	Reset(ctx context.Context) error
	Upsert(ctx context.Context, chunks []models.Chunk) error
}

// DocumentEmbedder embeds a batch of passages, one vector per text.
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Pipeline rebuilds the index from the documents under a directory.
type Pipeline struct {
	sourceDir string
	splitter  parser.Splitter
	batchSize int
	embedder  DocumentEmbedder
	store     Store
}

func NewPipeline(cfg config.IngestConfig, embedder DocumentEmbedder, store Store) *Pipeline {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = config.DefaultBatchSize
	}
	return &Pipeline{
		sourceDir: cfg.SourceDir,
		splitter:  parser.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		batchSize: batch,
		embedder:  embedder,
		store:     store,
	}
}

// Ingest parses every supported file, replaces the index content and
// uploads the chunks in batches.
func (p *Pipeline) Ingest(ctx context.Context) error {
	start := time.Now()
	files, err := p.sourceFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no supported documents found in %s", p.sourceDir)
	}
	log.Info().Int("files", len(files)).Str("dir", p.sourceDir).Msg("Processing documents")

	chunks, err := p.chunkFiles(ctx, files)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return fmt.Errorf("documents in %s contain no text", p.sourceDir)
	}

	if err := p.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset index: %w", err)
	}
	for i := 0; i < len(chunks); i += p.batchSize {
		batch := chunks[i:min(i+p.batchSize, len(chunks))]
		if err := p.upload(ctx, batch); err != nil {
			return fmt.Errorf("batch %d: %w", i/p.batchSize+1, err)
		}
		log.Debug().Int("batch", i/p.batchSize+1).Int("size", len(batch)).Msg("Uploaded batch")
	}
	log.Info().Int("chunks", len(chunks)).Dur("elapsed", time.Since(start)).Msg("Ingestion complete")
	return nil
}

func (p *Pipeline) sourceFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(p.sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && parser.Supported(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", p.sourceDir, err)
	}
	sort.Strings(files)
	return files, nil
}

// chunkFiles parses files concurrently and returns their chunks in file order.
func (p *Pipeline) chunkFiles(ctx context.Context, files []string) ([]models.Chunk, error) {
	perFile := make([][]models.Chunk, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	var mu sync.Mutex
	skipped := 0
	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			pages, err := parser.ParseFile(path)
			if err != nil {
				log.Warn().Err(err).Str("file", path).Msg("Skipping unreadable document")
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}
			chunks, err := p.chunkPages(path, pages)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			perFile[i] = chunks
			log.Debug().Str("file", path).Int("pages", len(pages)).Int("chunks", len(perFile[i])).Msg("Parsed document")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if skipped == len(files) {
		return nil, fmt.Errorf("none of the %d documents could be parsed", len(files))
	}

	var chunks []models.Chunk
	for _, c := range perFile {
		chunks = append(chunks, c...)
	}
	return chunks, nil
}

// chunkPages names chunks after the book: its path relative to the source
// directory, so same-named files in different folders stay distinct.
func (p *Pipeline) chunkPages(path string, pages []parser.Page) ([]models.Chunk, error) {
	book := p.bookName(path)
	var chunks []models.Chunk
	for _, page := range pages {
		texts, err := p.splitter.Split(page.Text)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page.Number, err)
		}
		for n, text := range texts {
			chunks = append(chunks, models.Chunk{
				ID:          models.ChunkID(book, page.Number, n),
				Text:        text,
				Book:        book,
				Source:      path,
				PageNumber:  page.Number,
				ChunkNumber: n,
			})
		}
	}
	return chunks, nil
}

func (p *Pipeline) bookName(path string) string {
	rel, err := filepath.Rel(p.sourceDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}

func (p *Pipeline) upload(ctx context.Context, batch []models.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
	}
	for i := range batch {
		batch[i].Embedding = vectors[i]
	}
	return p.store.Upsert(ctx, batch)
}
