package models

import (
	"fmt"
	"strconv"
)

// Chunk is a retrievable passage as written to the vector index.
type Chunk struct {
	ID          string
	Text        string
	Book        string
	Source      string
	PageNumber  int
	ChunkNumber int
	Embedding   []float32
}

// Metadata returns the index metadata for the chunk.
func (c Chunk) Metadata() map[string]any {
	return map[string]any{
		MetaText:        c.Text,
		MetaBook:        c.Book,
		MetaSource:      c.Source,
		MetaPageNumber:  c.PageNumber,
		MetaChunkNumber: c.ChunkNumber,
	}
}

// ChunkID builds the stable identifier of a chunk.
func ChunkID(book string, page, chunk int) string {
	return fmt.Sprintf("%s_page_%d_chunk_%d", book, page, chunk)
}

// Match is one nearest-neighbour hit returned by the vector index.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// Text returns the passage text and whether the match carries one.
func (m Match) Text() (string, bool) {
	v, ok := m.Metadata[MetaText]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Book returns the source book of the match, or UnknownBook.
func (m Match) Book() string {
	if s, ok := m.Metadata[MetaBook].(string); ok && s != "" {
		return s
	}
	return UnknownBook
}

// Page returns the page number of the match if it has one.
func (m Match) Page() *int {
	var page int
	switch v := m.Metadata[MetaPageNumber].(type) {
	case int:
		page = v
	case int64:
		page = int(v)
	case float64:
		page = int(v)
	case float32:
		page = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil
		}
		page = n
	default:
		return nil
	}
	return &page
}

// RetrievalResult is the ordered list of usable matches for one query.
type RetrievalResult struct {
	Matches []Match
}

func (r RetrievalResult) Empty() bool { return len(r.Matches) == 0 }

// Sources maps the result to caller-facing provenance in retrieval order.
func (r RetrievalResult) Sources() []Source {
	sources := make([]Source, 0, len(r.Matches))
	for _, m := range r.Matches {
		sources = append(sources, Source{
			ID:    m.ID,
			Book:  m.Book(),
			Page:  m.Page(),
			Score: m.Score,
		})
	}
	return sources
}

// Message is a role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Source identifies a retrieved chunk backing an answer.
type Source struct {
	ID    string  `json:"id"`
	Book  string  `json:"book"`
	Page  *int    `json:"page"`
	Score float64 `json:"score"`
}

// Answer is the outcome of the free-text or quiz path.
type Answer struct {
	Text    string
	Quiz    *Quiz
	Sources []Source
}

// Quiz is the structured multiple-choice output of the quiz path.
type Quiz struct {
	Questions []QuizQuestion `json:"questions"`
}

type QuizQuestion struct {
	Question string   `json:"question"`
	Topic    string   `json:"topic"`
	Answer   string   `json:"answer"`
	Options  []string `json:"options"`
}

// ResponseSchema constrains generator output to a JSON schema.
type ResponseSchema struct {
	Name   string
	Schema map[string]any
}

type GenerateOptions struct {
	// Schema requests structured output; nil means free text.
	Schema *ResponseSchema
}
