package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"book-rag/internal/models"
)

const (
	opAnswer = "answer"
	opQuery  = "query"
)

// QueryRequest is the input of the question-answering entry point.
type QueryRequest struct {
	Question string           `json:"question"`
	History  []models.Message `json:"history,omitempty"`
	Book     string           `json:"book,omitempty"`
	TopK     int              `json:"top_k,omitempty"`
}

// QueryResponse is the output of the question-answering entry point.
type QueryResponse struct {
	Message         string          `json:"message"`
	Sources         []models.Source `json:"sources"`
	AvailableBooks  []string        `json:"available_books"`
	QueryBookFilter *string         `json:"query_book_filter"`
}

// BuildAnswerMessages lays out the prompt: grounding instruction, then the
// conversation so far, then the question with its context. The
// context-bearing message always comes last, with or without history.
func BuildAnswerMessages(question string, history []models.Message, pc PromptContext) []models.Message {
	messages := make([]models.Message, 0, len(history)+2)
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: models.AnswerSystemPrompt})
	messages = append(messages, history...)
	messages = append(messages, models.Message{
		Role:    models.RoleUser,
		Content: fmt.Sprintf(models.AnswerUserPromptTemplate, question, pc.String()),
	})
	return messages
}

// Answer generates a grounded answer for question from an already retrieved
// result. When the result has no usable context the generator is not called
// and the fixed decline message is returned.
func (e *Engine) Answer(ctx context.Context, question string, history []models.Message, result models.RetrievalResult) (models.Answer, error) {
	sources := result.Sources()
	pc := AssembleContext(result, e.opts.MaxContextChars)
	if pc.Empty() {
		log.Info().Msg("No relevant context found, declining to answer")
		return models.Answer{Text: models.NoRelevantContextMessage, Sources: sources}, nil
	}

	if err := ctx.Err(); err != nil {
		return models.Answer{}, newError(KindGenerationFailure, opAnswer, "cancelled before generation", err)
	}
	ctx, span := e.tracer.Start(ctx, "rag.generate")
	defer span.End()

	messages := BuildAnswerMessages(question, history, pc)
	log.Debug().Int("messages", len(messages)).Int("context_chars", len(pc.String())).Msg("Sending messages to generator")
	text, err := e.generator.Generate(ctx, messages, models.GenerateOptions{})
	if err != nil {
		return models.Answer{}, newError(KindGenerationFailure, opAnswer, "answer generation failed", err)
	}
	if strings.TrimSpace(text) == "" {
		return models.Answer{}, newError(KindGenerationFailure, opAnswer, "generator returned an empty answer", nil)
	}
	return models.Answer{Text: text, Sources: sources}, nil
}

// Query answers req.Question from the index, optionally scoped to one book.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (resp *QueryResponse, err error) {
	start := time.Now()
	defer func() { e.observe(opQuery, start, err) }()

	if err := e.validateQuery(&req); err != nil {
		return nil, err
	}
	log.Info().Str("book", req.Book).Int("top_k", req.TopK).Int("history", len(req.History)).Msg("Answering question")

	result, err := e.Retrieve(ctx, req.Question, req.Book, req.TopK)
	if err != nil {
		return nil, err
	}
	answer, err := e.Answer(ctx, req.Question, req.History, result)
	if err != nil {
		return nil, err
	}
	return &QueryResponse{
		Message:         answer.Text,
		Sources:         answer.Sources,
		AvailableBooks:  e.ListBooks(ctx),
		QueryBookFilter: bookFilter(req.Book),
	}, nil
}

func (e *Engine) validateQuery(req *QueryRequest) error {
	req.Question = strings.TrimSpace(req.Question)
	req.Book = strings.TrimSpace(req.Book)
	if req.Question == "" {
		return newError(KindInvalidRequest, opQuery, "question is required", nil)
	}
	if req.TopK < 0 {
		return newError(KindInvalidRequest, opQuery, "top_k must be a positive integer", nil)
	}
	if req.TopK == 0 {
		req.TopK = e.opts.TopK
	}
	for i, m := range req.History {
		switch m.Role {
		case models.RoleSystem, models.RoleUser, models.RoleAssistant:
		default:
			return newError(KindInvalidRequest, opQuery, fmt.Sprintf("history[%d]: unsupported role %q", i, m.Role), nil)
		}
		if strings.TrimSpace(m.Content) == "" {
			return newError(KindInvalidRequest, opQuery, fmt.Sprintf("history[%d]: content is required", i), nil)
		}
	}
	return nil
}

func bookFilter(book string) *string {
	if book == "" {
		return nil
	}
	return &book
}
