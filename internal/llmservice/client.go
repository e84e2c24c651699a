package llmservice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"book-rag/internal/config"
	"book-rag/internal/models"
)

// Factory builds a chat model. A non-nil format requests structured output.
type Factory func(cfg config.LLMConfig, format *openai.ResponseFormat) (llms.Model, error)

// Client generates chat completions. The free-text model is built once;
// structured models are built on first use and cached per schema name.
type Client struct {
	cfg     config.LLMConfig
	factory Factory
	model   llms.Model

	mu         sync.Mutex
	structured map[string]llms.Model
}

// New builds a client for cfg.Provider ("openai" or "ollama").
func New(cfg config.LLMConfig) (*Client, error) {
	return NewWithFactory(cfg, CreateLLM)
}

func NewWithFactory(cfg config.LLMConfig, factory Factory) (*Client, error) {
	model, err := factory(cfg, nil)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("provider", cfg.Provider).Str("model", cfg.Model).Msg("Initialized chat model")
	return &Client{
		cfg:        cfg,
		factory:    factory,
		model:      model,
		structured: make(map[string]llms.Model),
	}, nil
}

// CreateLLM is the default Factory.
func CreateLLM(cfg config.LLMConfig, format *openai.ResponseFormat) (llms.Model, error) {
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if format != nil {
			opts = append(opts, openai.WithResponseFormat(format))
		}
		return openai.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		if format != nil {
			opts = append(opts, ollama.WithFormat("json"))
		}
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// Generate sends messages in a single call and returns the first choice.
func (c *Client) Generate(ctx context.Context, messages []models.Message, opts models.GenerateOptions) (string, error) {
	content, err := toMessageContent(messages)
	if err != nil {
		return "", err
	}

	model := c.model
	callOpts := []llms.CallOption{}
	if c.cfg.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(c.cfg.Temperature))
	}
	if opts.Schema != nil {
		model, err = c.structuredModel(opts.Schema)
		if err != nil {
			return "", err
		}
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	resp, err := model.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}

func (c *Client) structuredModel(schema *models.ResponseSchema) (llms.Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.structured[schema.Name]; ok {
		return m, nil
	}
	format, err := ResponseFormat(schema)
	if err != nil {
		return nil, err
	}
	m, err := c.factory(c.cfg, format)
	if err != nil {
		return nil, fmt.Errorf("failed to build structured model for %s: %w", schema.Name, err)
	}
	c.structured[schema.Name] = m
	return m, nil
}

// ResponseFormat converts schema to a strict json_schema response format.
func ResponseFormat(schema *models.ResponseSchema) (*openai.ResponseFormat, error) {
	raw, err := json.Marshal(map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   schema.Name,
			"strict": true,
			"schema": schema.Schema,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode response schema: %w", err)
	}
	var format openai.ResponseFormat
	if err := json.Unmarshal(raw, &format); err != nil {
		return nil, fmt.Errorf("failed to decode response schema: %w", err)
	}
	return &format, nil
}

func toMessageContent(messages []models.Message) ([]llms.MessageContent, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for i, m := range messages {
		var role llms.ChatMessageType
		switch m.Role {
		case models.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case models.RoleUser:
			role = llms.ChatMessageTypeHuman
		case models.RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
		content = append(content, llms.TextParts(role, m.Content))
	}
	return content, nil
}
