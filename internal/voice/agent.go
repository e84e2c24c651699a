package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
)

const maxToolRounds = 3

// Agent drives one conversation turn of the voice assistant: the model may
// call tools before it produces the reply that gets spoken.
type Agent struct {
	model llms.Model
	tools *Toolset
}

func NewAgent(model llms.Model, tools *Toolset) *Agent {
	return &Agent{model: model, tools: tools}
}

// Respond appends the user's utterance to history, resolves tool calls and
// returns the reply with the updated history.
func (a *Agent) Respond(ctx context.Context, history []llms.MessageContent, utterance string) (string, []llms.MessageContent, error) {
	if len(history) == 0 {
		history = append(history, llms.TextParts(llms.ChatMessageTypeSystem, Instructions))
	}
	history = append(history, llms.TextParts(llms.ChatMessageTypeHuman, utterance))

	for round := 0; ; round++ {
		resp, err := a.model.GenerateContent(ctx, history, llms.WithTools(a.tools.Tools()))
		if err != nil {
			return "", history, fmt.Errorf("failed to generate reply: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", history, errors.New("model returned no choices")
		}
		choice := resp.Choices[0]
		if len(choice.ToolCalls) == 0 || round == maxToolRounds {
			history = append(history, llms.TextParts(llms.ChatMessageTypeAI, choice.Content))
			return choice.Content, history, nil
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		for _, call := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, call)
		}
		history = append(history, assistant)
		for _, call := range choice.ToolCalls {
			log.Debug().Str("tool", toolName(call)).Int("round", round).Msg("Running tool call")
			history = append(history, llms.MessageContent{
				Role:  llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{a.tools.Call(ctx, call)},
			})
		}
	}
}

func toolName(call llms.ToolCall) string {
	if call.FunctionCall == nil {
		return ""
	}
	return call.FunctionCall.Name
}
