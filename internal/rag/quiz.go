package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
	"github.com/rs/zerolog/log"

	"book-rag/internal/models"
)

const (
	opQuiz = "quiz"

	maxQuestionCount = 50
)

// QuizRequest is the input of the quiz entry point.
type QuizRequest struct {
	Book          string `json:"book,omitempty"`
	TopK          int    `json:"top_k,omitempty"`
	QuestionCount int    `json:"question_count,omitempty"`
}

// QuizResponse is the output of the quiz entry point.
type QuizResponse struct {
	Message         models.Quiz `json:"message"`
	AvailableBooks  []string    `json:"available_books"`
	QueryBookFilter *string     `json:"query_book_filter"`
}

// QuizSchema is the structured output format requested from the generator.
func QuizSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"questions": map[string]any{
				"type":  "array",
				"items": quizQuestionSchema(),
			},
		},
		"required":             []any{"questions"},
		"additionalProperties": false,
	}
}

func quizQuestionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{"type": "string"},
			"topic":    map[string]any{"type": "string"},
			"answer":   map[string]any{"type": "string"},
			"options": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required":             []any{"question", "topic", "answer", "options"},
		"additionalProperties": false,
	}
}

// validationSchema tightens QuizSchema with the cardinalities the generator
// cannot be trusted to honour.
func validationSchema(questionCount int) map[string]any {
	item := quizQuestionSchema()
	props := item["properties"].(map[string]any)
	options := props["options"].(map[string]any)
	options["minItems"] = models.QuizOptionCount
	options["maxItems"] = models.QuizOptionCount
	props["question"] = map[string]any{"type": "string", "minLength": 1}
	props["answer"] = map[string]any{"type": "string", "minLength": 1}

	schema := QuizSchema()
	questions := schema["properties"].(map[string]any)["questions"].(map[string]any)
	questions["items"] = item
	questions["minItems"] = questionCount
	questions["maxItems"] = questionCount
	return schema
}

var compiledSchemas sync.Map // question count -> *jsonschema.Schema

func compiledValidationSchema(questionCount int) (*jsonschema.Schema, error) {
	if s, ok := compiledSchemas.Load(questionCount); ok {
		return s.(*jsonschema.Schema), nil
	}
	raw, err := json.Marshal(validationSchema(questionCount))
	if err != nil {
		return nil, fmt.Errorf("failed to encode quiz schema: %w", err)
	}
	schema, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compile quiz schema: %w", err)
	}
	compiledSchemas.Store(questionCount, schema)
	return schema, nil
}

// ParseQuiz decodes generator output and rejects anything that does not
// match the quiz schema with exactly questionCount questions.
func ParseQuiz(raw string, questionCount int) (*models.Quiz, error) {
	payload := []byte(stripCodeFence(raw))

	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return nil, fmt.Errorf("quiz output is not valid JSON: %w", err)
	}
	schema, err := compiledValidationSchema(questionCount)
	if err != nil {
		return nil, err
	}
	result := schema.Validate(instance)
	if !result.Valid {
		return nil, fmt.Errorf("quiz output does not match schema: %v", result.Errors)
	}

	var quiz models.Quiz
	if err := json.Unmarshal(payload, &quiz); err != nil {
		return nil, fmt.Errorf("failed to decode quiz: %w", err)
	}
	return &quiz, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// BuildQuizMessages lays out the prompt for the quiz path.
func BuildQuizMessages(pc PromptContext, questionCount int) []models.Message {
	return []models.Message{
		{
			Role:    models.RoleSystem,
			Content: fmt.Sprintf(models.QuizSystemPromptTemplate, questionCount, models.QuizOptionCount),
		},
		{
			Role:    models.RoleUser,
			Content: fmt.Sprintf(models.QuizUserPromptTemplate, pc.String(), questionCount, models.QuizOptionCount),
		},
	}
}

// GenerateQuiz samples a book with a generic probe and asks the generator for
// structured multiple-choice questions about it.
func (e *Engine) GenerateQuiz(ctx context.Context, req QuizRequest) (resp *QuizResponse, err error) {
	start := time.Now()
	defer func() { e.observe(opQuiz, start, err) }()

	if err := e.validateQuiz(&req); err != nil {
		return nil, err
	}
	log.Info().Str("book", req.Book).Int("top_k", req.TopK).Int("questions", req.QuestionCount).Msg("Generating quiz")

	result, err := e.Retrieve(ctx, models.QuizProbe, req.Book, req.TopK)
	if err != nil {
		return nil, err
	}
	pc := AssembleContext(result, e.opts.MaxContextChars)
	if pc.Empty() {
		return nil, newError(KindNoRelevantContext, opQuiz, "no content found to build a quiz from", nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, newError(KindGenerationFailure, opQuiz, "cancelled before generation", err)
	}
	ctx, span := e.tracer.Start(ctx, "rag.generate_quiz")
	defer span.End()

	raw, err := e.generator.Generate(ctx, BuildQuizMessages(pc, req.QuestionCount), models.GenerateOptions{
		Schema: &models.ResponseSchema{Name: models.QuizSchemaName, Schema: QuizSchema()},
	})
	if err != nil {
		return nil, newError(KindGenerationFailure, opQuiz, "quiz generation failed", err)
	}
	quiz, err := ParseQuiz(raw, req.QuestionCount)
	if err != nil {
		log.Warn().Err(err).Msg("Rejected non-conforming quiz output")
		return nil, newError(KindGenerationFailure, opQuiz, "generator returned a malformed quiz", err)
	}

	return &QuizResponse{
		Message:         *quiz,
		AvailableBooks:  e.ListBooks(ctx),
		QueryBookFilter: bookFilter(req.Book),
	}, nil
}

func (e *Engine) validateQuiz(req *QuizRequest) error {
	req.Book = strings.TrimSpace(req.Book)
	if req.TopK < 0 {
		return newError(KindInvalidRequest, opQuiz, "top_k must be a positive integer", nil)
	}
	if req.TopK == 0 {
		req.TopK = e.opts.TopK
	}
	if req.QuestionCount == 0 {
		req.QuestionCount = e.opts.QuestionCount
	}
	if req.QuestionCount < 1 || req.QuestionCount > maxQuestionCount {
		return newError(KindInvalidRequest, opQuiz, fmt.Sprintf("question_count must be between 1 and %d", maxQuestionCount), nil)
	}
	return nil
}
