package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"book-rag/internal/chromemdb"
	"book-rag/internal/config"
	"book-rag/internal/models"
)

type stubEmbedder struct {
	vector []float32
	err    error
	calls  atomic.Int32
}

func (s *stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.vector, nil
}

type stubGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	calls    int
	messages []models.Message
	opts     models.GenerateOptions
}

func (s *stubGenerator) Generate(_ context.Context, messages []models.Message, opts models.GenerateOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.messages = messages
	s.opts = opts
	return s.reply, s.err
}

type funcIngester func(ctx context.Context) error

func (f funcIngester) Ingest(ctx context.Context) error { return f(ctx) }

type failingIndex struct{ err error }

func (f failingIndex) Count(context.Context) (int, error) { return 0, f.err }
func (f failingIndex) Query(context.Context, []float32, int, map[string]string) ([]models.Match, error) {
	return nil, f.err
}

var bookChunks = []models.Chunk{
	{ID: "cs.pdf_page_3_chunk_0", Text: "An array stores elements of the same type.", Book: "cs.pdf", PageNumber: 3, Embedding: []float32{1, 0, 0}},
	{ID: "cs.pdf_page_4_chunk_1", Text: "Arrays are indexed from zero.", Book: "cs.pdf", PageNumber: 4, ChunkNumber: 1, Embedding: []float32{0.9, 0.2, 0}},
	{ID: "bio.pdf_page_7_chunk_0", Text: "Cells divide by mitosis.", Book: "bio.pdf", PageNumber: 7, Embedding: []float32{0, 1, 0}},
	{ID: "gita.pdf_page_1_chunk_0", Text: "Arjuna hesitates on the battlefield.", Book: "gita.pdf", PageNumber: 1, Embedding: []float32{0, 0, 1}},
}

func seededIndex(t *testing.T) *chromemdb.Index {
	t.Helper()
	idx, err := chromemdb.NewInMemory("rag")
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(t.Context(), bookChunks))
	return idx
}

func newTestEngine(t *testing.T, index Index, gen *stubGenerator) (*Engine, *stubEmbedder) {
	t.Helper()
	emb := &stubEmbedder{vector: []float32{1, 0, 0}}
	e, err := NewEngine(emb, index, gen, nil, Options{})
	require.NoError(t, err)
	return e, emb
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	idx := seededIndex(t)
	_, err := NewEngine(nil, idx, &stubGenerator{}, nil, Options{})
	assert.Error(t, err)
	_, err = NewEngine(&stubEmbedder{}, nil, &stubGenerator{}, nil, Options{})
	assert.Error(t, err)
	_, err = NewEngine(&stubEmbedder{}, idx, nil, nil, Options{})
	assert.Error(t, err)
}

func TestNewEngine_AppliesDefaults(t *testing.T) {
	e, err := NewEngine(&stubEmbedder{}, seededIndex(t), &stubGenerator{}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultTopK, e.opts.TopK)
	assert.Equal(t, config.DefaultQuestionCount, e.opts.QuestionCount)
	assert.Equal(t, config.DefaultBooksSampleSize, e.opts.BooksSampleSize)
	assert.Equal(t, config.DefaultMaxContextChars, e.opts.MaxContextChars)
}

func TestQuery_ContextIsBoundedByDefault(t *testing.T) {
	long := strings.Repeat("a", config.DefaultMaxContextChars+500)
	idx := fixedIndex{matches: []models.Match{
		{ID: "long", Score: 0.9, Metadata: map[string]any{models.MetaText: long, models.MetaBook: "cs.pdf"}},
	}}
	gen := &stubGenerator{reply: "ok"}
	e, _ := newTestEngine(t, idx, gen)

	_, err := e.Query(t.Context(), QueryRequest{Question: "q"})
	require.NoError(t, err)
	last := gen.messages[len(gen.messages)-1].Content
	assert.NotContains(t, last, long)
	assert.Contains(t, last, long[:config.DefaultMaxContextChars])
}

func TestQuery_AnswersWithSources(t *testing.T) {
	gen := &stubGenerator{reply: "An array holds same-typed elements (cs.pdf)."}
	e, _ := newTestEngine(t, seededIndex(t), gen)

	resp, err := e.Query(t.Context(), QueryRequest{Question: "  what is an array  "})
	require.NoError(t, err)
	assert.Equal(t, gen.reply, resp.Message)
	require.Len(t, resp.Sources, 3)
	assert.Equal(t, "cs.pdf_page_3_chunk_0", resp.Sources[0].ID)
	assert.Equal(t, "cs.pdf", resp.Sources[0].Book)
	require.NotNil(t, resp.Sources[0].Page)
	assert.Equal(t, 3, *resp.Sources[0].Page)
	for i := 1; i < len(resp.Sources); i++ {
		assert.GreaterOrEqual(t, resp.Sources[i-1].Score, resp.Sources[i].Score)
	}
	assert.Equal(t, []string{"bio.pdf", "cs.pdf", "gita.pdf"}, resp.AvailableBooks)
	assert.Nil(t, resp.QueryBookFilter)

	require.Len(t, gen.messages, 2)
	assert.Equal(t, models.RoleSystem, gen.messages[0].Role)
	assert.Equal(t, models.RoleUser, gen.messages[1].Role)
	assert.Contains(t, gen.messages[1].Content, "what is an array")
	assert.Contains(t, gen.messages[1].Content, "An array stores elements of the same type.\n\nArrays are indexed from zero.")
	assert.Nil(t, gen.opts.Schema)
}

func TestQuery_HistoryPrecedesContextMessage(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	e, _ := newTestEngine(t, seededIndex(t), gen)

	history := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	}
	_, err := e.Query(t.Context(), QueryRequest{Question: "what is an array", History: history})
	require.NoError(t, err)

	require.Len(t, gen.messages, 4)
	assert.Equal(t, models.RoleSystem, gen.messages[0].Role)
	assert.Equal(t, history, gen.messages[1:3])
	assert.Equal(t, models.RoleUser, gen.messages[3].Role)
	assert.Contains(t, gen.messages[3].Content, "Arrays are indexed from zero.")
}

func TestQuery_BookFilterIsExclusive(t *testing.T) {
	gen := &stubGenerator{reply: "Mitosis."}
	e, _ := newTestEngine(t, seededIndex(t), gen)

	resp, err := e.Query(t.Context(), QueryRequest{Question: "how do cells divide", Book: "bio.pdf", TopK: 3})
	require.NoError(t, err)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "bio.pdf", resp.Sources[0].Book)
	require.NotNil(t, resp.QueryBookFilter)
	assert.Equal(t, "bio.pdf", *resp.QueryBookFilter)
}

func TestQuery_NoContextDeclinesWithoutGenerating(t *testing.T) {
	gen := &stubGenerator{reply: "should not be used"}
	e, _ := newTestEngine(t, seededIndex(t), gen)

	resp, err := e.Query(t.Context(), QueryRequest{Question: "anything", Book: "missing.pdf"})
	require.NoError(t, err)
	assert.Equal(t, models.NoRelevantContextMessage, resp.Message)
	assert.Empty(t, resp.Sources)
	assert.Zero(t, gen.calls)
}

func TestQuery_Validation(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	e, emb := newTestEngine(t, seededIndex(t), gen)

	cases := map[string]QueryRequest{
		"empty question": {Question: "   "},
		"negative top_k": {Question: "q", TopK: -1},
		"unknown role":   {Question: "q", History: []models.Message{{Role: "tool", Content: "x"}}},
		"blank history":  {Question: "q", History: []models.Message{{Role: models.RoleUser, Content: "  "}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Query(t.Context(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Zero(t, emb.calls.Load())
	assert.Zero(t, gen.calls)
}

func TestQuery_FailureKinds(t *testing.T) {
	t.Run("embedding", func(t *testing.T) {
		e, emb := newTestEngine(t, seededIndex(t), &stubGenerator{reply: "ok"})
		emb.err = errors.New("model not loaded")
		_, err := e.Query(t.Context(), QueryRequest{Question: "q"})
		assert.ErrorIs(t, err, ErrEmbeddingFailure)
	})

	t.Run("generation", func(t *testing.T) {
		e, _ := newTestEngine(t, seededIndex(t), &stubGenerator{err: errors.New("503")})
		_, err := e.Query(t.Context(), QueryRequest{Question: "q"})
		assert.ErrorIs(t, err, ErrGenerationFailure)
	})

	t.Run("empty generation", func(t *testing.T) {
		e, _ := newTestEngine(t, seededIndex(t), &stubGenerator{reply: "  "})
		_, err := e.Query(t.Context(), QueryRequest{Question: "q"})
		assert.ErrorIs(t, err, ErrGenerationFailure)
	})

	t.Run("index", func(t *testing.T) {
		e, _ := newTestEngine(t, failingIndex{err: errors.New("connection refused")}, &stubGenerator{reply: "ok"})
		_, err := e.Query(t.Context(), QueryRequest{Question: "q"})
		assert.ErrorIs(t, err, ErrIndexUnavailable)
	})

	t.Run("cancelled", func(t *testing.T) {
		e, _ := newTestEngine(t, seededIndex(t), &stubGenerator{reply: "ok"})
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := e.Query(ctx, QueryRequest{Question: "q"})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

type fixedIndex struct{ matches []models.Match }

func (f fixedIndex) Count(context.Context) (int, error) { return len(f.matches), nil }
func (f fixedIndex) Query(_ context.Context, _ []float32, topK int, _ map[string]string) ([]models.Match, error) {
	return f.matches[:min(topK, len(f.matches))], nil
}

func TestRetrieve_DropsMatchesWithoutText(t *testing.T) {
	idx := fixedIndex{matches: []models.Match{
		{ID: "a", Score: 0.9, Metadata: map[string]any{models.MetaText: "first", models.MetaBook: "cs.pdf"}},
		{ID: "no-text", Score: 0.8, Metadata: map[string]any{models.MetaBook: "cs.pdf"}},
		{ID: "not-a-string", Score: 0.7, Metadata: map[string]any{models.MetaText: 42}},
		{ID: "b", Score: 0.6, Metadata: map[string]any{models.MetaText: "second"}},
	}}
	e, emb := newTestEngine(t, idx, &stubGenerator{})

	result, err := e.Retrieve(t.Context(), "array", "", 4)
	require.NoError(t, err)
	assert.Equal(t, int32(1), emb.calls.Load())
	require.Len(t, result.Matches, 2)
	assert.Equal(t, "a", result.Matches[0].ID)
	assert.Equal(t, "b", result.Matches[1].ID)

	sources := result.Sources()
	assert.Equal(t, models.UnknownBook, sources[1].Book)
	assert.Nil(t, sources[1].Page)

	_, err = e.Retrieve(t.Context(), "array", "", 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestListBooks(t *testing.T) {
	e, _ := newTestEngine(t, seededIndex(t), &stubGenerator{})
	assert.Equal(t, []string{"bio.pdf", "cs.pdf", "gita.pdf"}, e.ListBooks(t.Context()))

	broken, _ := newTestEngine(t, failingIndex{err: errors.New("down")}, &stubGenerator{})
	books := broken.ListBooks(t.Context())
	assert.NotNil(t, books)
	assert.Empty(t, books)
}

type catalogIndex struct {
	*chromemdb.Index
	books []string
	err   error
}

func (c catalogIndex) Books(context.Context) ([]string, error) { return c.books, c.err }

func TestListBooks_PrefersCatalog(t *testing.T) {
	idx := seededIndex(t)
	e, emb := newTestEngine(t, catalogIndex{Index: idx, books: []string{"z.pdf", "a.pdf", "a.pdf"}}, &stubGenerator{})
	assert.Equal(t, []string{"a.pdf", "z.pdf"}, e.ListBooks(t.Context()))
	assert.Zero(t, emb.calls.Load())

	fallback, _ := newTestEngine(t, catalogIndex{Index: idx, err: errors.New("no catalog")}, &stubGenerator{})
	assert.Equal(t, []string{"bio.pdf", "cs.pdf", "gita.pdf"}, fallback.ListBooks(t.Context()))
}

type recordingObserver struct {
	mu       sync.Mutex
	requests []string
}

func (r *recordingObserver) ObserveRequest(op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, op+":"+outcome)
}
func (r *recordingObserver) ObserveIngestion(string, time.Duration) {}

func TestEngine_ObservesOutcomes(t *testing.T) {
	obs := &recordingObserver{}
	e, err := NewEngine(&stubEmbedder{vector: []float32{1, 0, 0}}, seededIndex(t), &stubGenerator{reply: "ok"}, nil, Options{Observer: obs})
	require.NoError(t, err)

	_, err = e.Query(t.Context(), QueryRequest{Question: "q"})
	require.NoError(t, err)
	_, err = e.Query(t.Context(), QueryRequest{Question: ""})
	require.Error(t, err)

	assert.Contains(t, obs.requests, "query:ok")
	assert.Contains(t, obs.requests, "books:ok")
	assert.Contains(t, obs.requests, "query:invalid_request")
}
