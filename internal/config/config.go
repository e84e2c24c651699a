package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTopK            = 3
	DefaultQuestionCount   = 10
	DefaultBooksSampleSize = 1000
	DefaultIngestTimeout   = 600 * time.Second
	DefaultMaxContextChars = 12000
	DefaultChunkSize       = 1000
	DefaultChunkOverlap    = 200
	DefaultBatchSize       = 100
	DefaultServerAddr      = ":7860"
	DefaultCollection      = "document_collection"
)

// Environment variables that override values read from the YAML file.
const (
	EnvLLMKey       = "BOOKRAG_LLM_KEY"
	EnvEmbeddingKey = "BOOKRAG_EMBEDDING_KEY"
	EnvDatabaseDSN  = "BOOKRAG_DATABASE_DSN"
	EnvPort         = "PORT"
)

type Config struct {
	Log         LogConfig         `yaml:"log"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	LLM         LLMConfig         `yaml:"llm"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	RAG         RAGConfig         `yaml:"rag"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Server      ServerConfig      `yaml:"server"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// EmbeddingConfig selects the embedding model. Provider is "ollama" or "openai"
// (any OpenAI-compatible endpoint).
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	Key       string `yaml:"key"`
	Model     string `yaml:"model"`
	CacheSize int    `yaml:"cache_size"`
}

// LLMConfig selects the chat model used to generate answers and quizzes.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	Key         string  `yaml:"key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

type VectorStoreConfig struct {
	Provider string         `yaml:"provider"`
	Chromem  ChromemConfig  `yaml:"chromem"`
	Database DatabaseConfig `yaml:"database"`
}

type ChromemConfig struct {
	Path          string `yaml:"path"`
	Collection    string `yaml:"collection"`
	InMemory      bool   `yaml:"in_memory"`
	Compress      bool   `yaml:"compress"`
	EncryptionKey string `yaml:"encryption_key"`
}

type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
	Debug  bool   `yaml:"debug"`
}

type RAGConfig struct {
	TopK            int           `yaml:"top_k"`
	QuestionCount   int           `yaml:"question_count"`
	BooksSampleSize int           `yaml:"books_sample_size"`
	MaxContextChars int           `yaml:"max_context_chars"`
	IngestTimeout   time.Duration `yaml:"ingest_timeout"`
}

// IngestConfig describes how an empty index gets populated. Mode "pipeline"
// parses SourceDir in-process, "command" runs Command, "none" disables ingestion.
type IngestConfig struct {
	Mode         string   `yaml:"mode"`
	SourceDir    string   `yaml:"source_dir"`
	Command      []string `yaml:"command"`
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	BatchSize    int      `yaml:"batch_size"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoadConfig reads the YAML file at path, applies defaults and then environment
// overrides. A missing file is not an error: defaults are returned.
func LoadConfig(path string) (*Config, error) {
	// .env files are optional
	_ = godotenv.Load(".env.local", ".env")

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "ollama"
	}
	if cfg.Embedding.Model == "" {
		if cfg.Embedding.Provider == "openai" {
			cfg.Embedding.Model = "text-embedding-3-small"
		} else {
			cfg.Embedding.Model = "all-minilm"
		}
	}
	if cfg.Embedding.BaseURL == "" && cfg.Embedding.Provider == "ollama" {
		cfg.Embedding.BaseURL = "http://localhost:11434"
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "llama-4-scout-17b-16e-instruct"
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "./chromemdb"
	}
	if cfg.VectorStore.Chromem.Collection == "" {
		cfg.VectorStore.Chromem.Collection = DefaultCollection
	}
	if cfg.VectorStore.Database.Driver == "" {
		cfg.VectorStore.Database.Driver = "pgdriver"
	}

	if cfg.RAG.TopK <= 0 {
		cfg.RAG.TopK = DefaultTopK
	}
	if cfg.RAG.QuestionCount <= 0 {
		cfg.RAG.QuestionCount = DefaultQuestionCount
	}
	if cfg.RAG.BooksSampleSize <= 0 {
		cfg.RAG.BooksSampleSize = DefaultBooksSampleSize
	}
	if cfg.RAG.MaxContextChars <= 0 {
		cfg.RAG.MaxContextChars = DefaultMaxContextChars
	}
	if cfg.RAG.IngestTimeout <= 0 {
		cfg.RAG.IngestTimeout = DefaultIngestTimeout
	}

	if cfg.Ingest.Mode == "" {
		cfg.Ingest.Mode = "pipeline"
	}
	if cfg.Ingest.SourceDir == "" {
		cfg.Ingest.SourceDir = "./books"
	}
	if cfg.Ingest.ChunkSize <= 0 {
		cfg.Ingest.ChunkSize = DefaultChunkSize
	}
	if cfg.Ingest.ChunkOverlap <= 0 {
		cfg.Ingest.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.Ingest.ChunkOverlap >= cfg.Ingest.ChunkSize {
		cfg.Ingest.ChunkOverlap = cfg.Ingest.ChunkSize / 5
	}
	if cfg.Ingest.BatchSize <= 0 {
		cfg.Ingest.BatchSize = DefaultBatchSize
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvLLMKey); v != "" {
		cfg.LLM.Key = v
	}
	if v := os.Getenv(EnvEmbeddingKey); v != "" {
		cfg.Embedding.Key = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		cfg.VectorStore.Database.DSN = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		cfg.Server.Addr = ":" + v
	}
}
