package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultTopK, cfg.RAG.TopK)
	assert.Equal(t, DefaultQuestionCount, cfg.RAG.QuestionCount)
	assert.Equal(t, DefaultBooksSampleSize, cfg.RAG.BooksSampleSize)
	assert.Equal(t, DefaultIngestTimeout, cfg.RAG.IngestTimeout)
	assert.Equal(t, DefaultChunkSize, cfg.Ingest.ChunkSize)
	assert.Equal(t, DefaultChunkOverlap, cfg.Ingest.ChunkOverlap)
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, DefaultCollection, cfg.VectorStore.Chromem.Collection)
}

func TestLoadConfig_ParsesYAMLAndKeepsExplicitValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log:
  level: info
embedding:
  provider: openai
  base_url: https://api.example.com/v1
llm:
  provider: ollama
  model: llama3
vector_store:
  provider: pgvector
  database:
    dsn: postgres://localhost/books
rag:
  top_k: 5
  ingest_timeout: 90s
ingest:
  mode: command
  command: ["python", "document_pinecone.py"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, "llama3", cfg.LLM.Model)
	assert.Equal(t, "pgvector", cfg.VectorStore.Provider)
	assert.Equal(t, "pgdriver", cfg.VectorStore.Database.Driver)
	assert.Equal(t, 5, cfg.RAG.TopK)
	assert.Equal(t, 90*time.Second, cfg.RAG.IngestTimeout)
	assert.Equal(t, []string{"python", "document_pinecone.py"}, cfg.Ingest.Command)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv(EnvLLMKey, "llm-secret")
	t.Setenv(EnvDatabaseDSN, "postgres://env/db")
	t.Setenv(EnvPort, "9000")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "llm-secret", cfg.LLM.Key)
	assert.Equal(t, "postgres://env/db", cfg.VectorStore.Database.DSN)
	assert.Equal(t, ":9000", cfg.Server.Addr)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rag: [unclosed"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestApplyDefaults_OverlapNotLargerThanChunk(t *testing.T) {
	cfg := Config{Ingest: IngestConfig{ChunkSize: 1500, ChunkOverlap: 1500}}
	applyDefaults(&cfg)
	assert.Equal(t, 300, cfg.Ingest.ChunkOverlap)
}
