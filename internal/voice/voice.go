package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"book-rag/internal/rag"
)

const (
	ToolSearchKnowledgeBase = "search_knowledge_base"
	ToolGetTime             = "get_time"

	searchFailedMessage = "I ran into a problem while searching the knowledge base. Please try again in a moment or rephrase your question."
	emptyQuestionReply  = "I didn't catch a question there. Could you ask it again?"
)

// Instructions is the system prompt for the voice assistant.
const Instructions = `You are a friendly and helpful course advisor assistant. Your interface with users will be voice. Your role is to answer student questions using the knowledge base.

Rules:
1. When a user asks a new question, call search_knowledge_base exactly once with their question.
2. Use the result to answer. For follow-ups about the same topic, use the information you already have.
3. Be conversational, friendly and concise.
4. Mention page references when they are present.`

// Greeting is spoken when a participant joins.
const Greeting = "Hello! I'm your course advisor assistant. I can help answer questions about your courses using our knowledge base. What would you like to know?"

// Querier answers a question from the knowledge base.
type Querier interface {
	Query(ctx context.Context, req rag.QueryRequest) (*rag.QueryResponse, error)
}

// Toolset exposes the engine as function tools for a voice agent runtime.
// Tool results are spoken text; failures never surface internal details.
type Toolset struct {
	querier Querier
	now     func() time.Time
}

func NewToolset(q Querier) *Toolset {
	return &Toolset{querier: q, now: time.Now}
}

// SearchKnowledgeBase answers question, or returns a spoken apology.
func (t *Toolset) SearchKnowledgeBase(ctx context.Context, question string) string {
	if strings.TrimSpace(question) == "" {
		return emptyQuestionReply
	}
	log.Info().Str("question", question).Msg("Searching knowledge base")
	resp, err := t.querier.Query(ctx, rag.QueryRequest{Question: question})
	if err != nil {
		log.Error().Err(err).Str("kind", rag.KindOf(err).String()).Msg("Knowledge base search failed")
		return searchFailedMessage
	}
	return resp.Message
}

// CurrentTime returns the local wall clock time as HH:MM:SS.
func (t *Toolset) CurrentTime() string {
	return t.now().Format(time.TimeOnly)
}

// Tools declares the function tools offered to the agent model.
func (t *Toolset) Tools() []llms.Tool {
	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        ToolSearchKnowledgeBase,
				Description: "Search the knowledge base for information about the user's question",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"question": map[string]any{
							"type":        "string",
							"description": "The user's question, in their own words",
						},
					},
					"required": []string{"question"},
				},
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        ToolGetTime,
				Description: "Get the current local time",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
		},
	}
}

// Call runs one tool call and returns its response message.
func (t *Toolset) Call(ctx context.Context, call llms.ToolCall) llms.ToolCallResponse {
	resp := llms.ToolCallResponse{ToolCallID: call.ID}
	if call.FunctionCall == nil {
		resp.Content = "No function was given in the tool call."
		return resp
	}
	resp.Name = call.FunctionCall.Name

	switch call.FunctionCall.Name {
	case ToolSearchKnowledgeBase:
		var args struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal([]byte(call.FunctionCall.Arguments), &args); err != nil {
			log.Warn().Err(err).Str("arguments", call.FunctionCall.Arguments).Msg("Malformed tool arguments")
			resp.Content = emptyQuestionReply
			return resp
		}
		resp.Content = t.SearchKnowledgeBase(ctx, args.Question)
	case ToolGetTime:
		resp.Content = t.CurrentTime()
	default:
		resp.Content = fmt.Sprintf("The tool %q is not available.", call.FunctionCall.Name)
	}
	return resp
}
