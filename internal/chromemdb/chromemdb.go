package chromemdb

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"book-rag/internal/config"
	"book-rag/internal/models"
)

// Index is a vector index on an embedded chromem-go database, in memory or
// persisted under a directory.
type Index struct {
	db             *chromem.DB
	collectionName string
	dbPath         string
	compress       bool
	encryptionKey  string
	filePath       string

	mu         sync.RWMutex
	collection *chromem.Collection
}

// New opens (or creates) the configured database and collection.
func New(cfg config.ChromemConfig) (*Index, error) {
	var db *chromem.DB
	if cfg.InMemory {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}
	return newIndex(db, cfg)
}

// NewInMemory returns an empty index that lives only in memory.
func NewInMemory(collectionName string) (*Index, error) {
	return newIndex(chromem.NewDB(), config.ChromemConfig{Collection: collectionName, InMemory: true})
}

func newIndex(db *chromem.DB, cfg config.ChromemConfig) (*Index, error) {
	name := cfg.Collection
	if name == "" {
		name = config.DefaultCollection
	}
	c, err := db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	return &Index{
		db:             db,
		collectionName: name,
		dbPath:         cfg.Path,
		compress:       cfg.Compress,
		encryptionKey:  cfg.EncryptionKey,
		filePath:       filepath.Join(cfg.Path, name+".chromem"),
		collection:     c,
	}, nil
}

func (m *Index) current() *chromem.Collection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collection
}

// Count returns the number of chunks in the collection.
func (m *Index) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.current().Count(), nil
}

// Query returns up to topK nearest chunks. filter entries must all match the
// chunk metadata exactly.
func (m *Index) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]models.Match, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query embedding is required")
	}
	c := m.current()
	n := min(topK, c.Count())
	if n <= 0 {
		return []models.Match{}, nil
	}

	results, err := c.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryEmbedding: vector,
		NResults:       n,
		Where:          filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	matches := make([]models.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, models.Match{
			ID:       r.ID,
			Score:    float64(r.Similarity),
			Metadata: toMetadata(r.Metadata),
		})
	}
	return matches, nil
}

// Upsert writes chunks with their embeddings. Existing ids are overwritten.
func (m *Index) Upsert(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(chunks))
	for _, ch := range chunks {
		if len(ch.Embedding) == 0 {
			return fmt.Errorf("chunk %s has no embedding", ch.ID)
		}
		docs = append(docs, chromem.Document{
			ID:        ch.ID,
			Content:   ch.Text,
			Metadata:  fromChunk(ch),
			Embedding: ch.Embedding,
		})
	}
	if err := m.current().AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

// Reset drops every chunk of the collection.
func (m *Index) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.db.DeleteCollection(m.collectionName); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	c, err := m.db.GetOrCreateCollection(m.collectionName, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to recreate collection: %w", err)
	}
	m.collection = c
	return nil
}

// Export writes the collection to an encrypted file next to the database.
func (m *Index) Export(_ context.Context) error {
	if m.encryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	if m.dbPath == "" {
		return fmt.Errorf("db path is required")
	}
	log.Debug().Str("collection", m.collectionName).Str("file", m.filePath).Bool("compress", m.compress).Msg("Exporting collection")
	if err := m.db.ExportToFile(m.filePath, m.compress, m.encryptionKey, m.collectionName); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// ExportPath is the file written by Export and read by Import.
func (m *Index) ExportPath() string { return m.filePath }

// Import loads the collection from the file written by Export.
func (m *Index) Import(_ context.Context) error {
	if m.encryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.db.ImportFromFile(m.filePath, m.encryptionKey, m.collectionName); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	c := m.db.GetCollection(m.collectionName, nil)
	if c == nil {
		return fmt.Errorf("collection %s missing after import", m.collectionName)
	}
	m.collection = c
	return nil
}

func fromChunk(ch models.Chunk) map[string]string {
	return map[string]string{
		models.MetaText:        ch.Text,
		models.MetaBook:        ch.Book,
		models.MetaSource:      ch.Source,
		models.MetaPageNumber:  strconv.Itoa(ch.PageNumber),
		models.MetaChunkNumber: strconv.Itoa(ch.ChunkNumber),
	}
}

// toMetadata widens chromem's string metadata, restoring numeric fields.
func toMetadata(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch k {
		case models.MetaPageNumber, models.MetaChunkNumber:
			if n, err := strconv.Atoi(v); err == nil {
				out[k] = n
				continue
			}
		}
		out[k] = v
	}
	return out
}
