package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"book-rag/internal/config"
	"book-rag/internal/models"
)

// Chunk is one row of the chunks table. Text is nullable: rows without it are
// returned without a text key and dropped by retrieval.
type Chunk struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`
	ID            string          `bun:"id,pk"`
	Book          string          `bun:"book,notnull,default:''"`
	Source        string          `bun:"source,notnull,default:''"`
	PageNumber    int             `bun:"page_number,notnull,default:0"`
	ChunkNumber   int             `bun:"chunk_number,notnull,default:0"`
	Text          *string         `bun:"text"`
	Embedding     pgvector.Vector `bun:"embedding,type:vector,notnull"`
}

type scoredChunk struct {
	ID          string  `bun:"id"`
	Book        string  `bun:"book"`
	Source      string  `bun:"source"`
	PageNumber  int     `bun:"page_number"`
	ChunkNumber int     `bun:"chunk_number"`
	Text        *string `bun:"text"`
	Score       float64 `bun:"score"`
}

// filterColumns maps metadata keys accepted in a query filter to columns.
var filterColumns = map[string]string{
	models.MetaBook:        "book",
	models.MetaSource:      "source",
	models.MetaPageNumber:  "page_number",
	models.MetaChunkNumber: "chunk_number",
}

// Index is a vector index on Postgres with the pgvector extension.
type Index struct {
	db *bun.DB
}

// ConnectDB opens a database handle with the configured driver, "pgdriver"
// (default) or "pq".
func ConnectDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	switch cfg.Driver {
	case "", "pgdriver":
		return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN))), nil
	case "pq":
		return sql.Open("postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// New connects to the configured database. The schema is created lazily by
// Reset, so an empty database counts as an empty index.
func New(cfg config.DatabaseConfig) (*Index, error) {
	sqldb, err := ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Index{db: NewDB(sqldb, cfg.Debug)}, nil
}

// InitDB creates the vector extension and the chunks table if missing.
func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable vector extension: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*Chunk)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create chunks table: %w", err)
	}
	return nil
}

func (x *Index) Count(ctx context.Context) (int, error) {
	n, err := x.db.NewSelect().Model((*Chunk)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// Query orders by cosine distance and reports 1 - distance as the score.
func (x *Index) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]models.Match, error) {
	q, err := x.searchQuery(vector, topK, filter)
	if err != nil {
		return nil, err
	}
	var rows []scoredChunk
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	matches := make([]models.Match, 0, len(rows))
	for _, r := range rows {
		matches = append(matches, r.toMatch())
	}
	return matches, nil
}

func (x *Index) searchQuery(vector []float32, topK int, filter map[string]string) (*bun.SelectQuery, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query embedding is required")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("top_k must be positive")
	}
	vec := pgvector.NewVector(vector)
	q := x.db.NewSelect().
		Model((*Chunk)(nil)).
		Column("id", "book", "source", "page_number", "chunk_number", "text").
		ColumnExpr("1 - (embedding <=> ?) AS score", vec)
	for key, value := range filter {
		col, ok := filterColumns[key]
		if !ok {
			return nil, fmt.Errorf("unsupported filter key %q", key)
		}
		q = q.Where("? = ?", bun.Ident(col), value)
	}
	return q.OrderExpr("embedding <=> ?", vec).Limit(topK), nil
}

// Books lists the distinct non-empty book names.
func (x *Index) Books(ctx context.Context) ([]string, error) {
	var books []string
	err := x.db.NewSelect().
		Model((*Chunk)(nil)).
		ColumnExpr("DISTINCT book").
		Where("book <> ''").
		OrderExpr("book").
		Scan(ctx, &books)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return books, nil
}

// Upsert inserts chunks, replacing rows with the same id.
func (x *Index) Upsert(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	rows := make([]Chunk, 0, len(chunks))
	for _, ch := range chunks {
		if len(ch.Embedding) == 0 {
			return fmt.Errorf("chunk %s has no embedding", ch.ID)
		}
		rows = append(rows, fromChunk(ch))
	}
	_, err := x.db.NewInsert().
		Model(&rows).
		On("CONFLICT (id) DO UPDATE").
		Set("book = EXCLUDED.book").
		Set("source = EXCLUDED.source").
		Set("page_number = EXCLUDED.page_number").
		Set("chunk_number = EXCLUDED.chunk_number").
		Set("text = EXCLUDED.text").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert %d chunks: %w", len(rows), err)
	}
	return nil
}

// Reset drops and recreates the chunks table.
func (x *Index) Reset(ctx context.Context) error {
	if _, err := x.db.NewDropTable().Model((*Chunk)(nil)).IfExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to drop chunks table: %w", err)
	}
	log.Debug().Msg("Dropped chunks table")
	return InitDB(ctx, x.db)
}

func (x *Index) Close() error {
	return x.db.Close()
}

func fromChunk(ch models.Chunk) Chunk {
	text := ch.Text
	return Chunk{
		ID:          ch.ID,
		Book:        ch.Book,
		Source:      ch.Source,
		PageNumber:  ch.PageNumber,
		ChunkNumber: ch.ChunkNumber,
		Text:        &text,
		Embedding:   pgvector.NewVector(ch.Embedding),
	}
}

func (r scoredChunk) toMatch() models.Match {
	meta := map[string]any{
		models.MetaBook:        r.Book,
		models.MetaSource:      r.Source,
		models.MetaPageNumber:  r.PageNumber,
		models.MetaChunkNumber: r.ChunkNumber,
	}
	if r.Text != nil {
		meta[models.MetaText] = *r.Text
	}
	return models.Match{ID: r.ID, Score: r.Score, Metadata: meta}
}
