package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"book-rag/internal/voice"
)

type scriptedResponder struct {
	fail map[string]bool
	seen [][]llms.MessageContent
}

func (r *scriptedResponder) Respond(_ context.Context, history []llms.MessageContent, utterance string) (string, []llms.MessageContent, error) {
	r.seen = append(r.seen, history)
	next := append(append([]llms.MessageContent(nil), history...), llms.TextParts(llms.ChatMessageTypeHuman, utterance))
	if r.fail[utterance] {
		return "", next, errors.New("upstream unavailable")
	}
	reply := "re: " + utterance
	return reply, append(next, llms.TextParts(llms.ChatMessageTypeAI, reply)), nil
}

func TestChat_FailedTurnKeepsHistory(t *testing.T) {
	r := &scriptedResponder{fail: map[string]bool{"second": true}}
	var out bytes.Buffer

	err := chat(t.Context(), r, strings.NewReader("first\n\nsecond\nthird\n"), &out)
	require.NoError(t, err)

	require.Len(t, r.seen, 3)
	assert.Empty(t, r.seen[0])
	assert.Len(t, r.seen[1], 2)
	// the failed turn left no dangling user message behind
	require.Len(t, r.seen[2], 2)
	assert.Equal(t, llms.ChatMessageTypeAI, r.seen[2][1].Role)

	text := out.String()
	assert.True(t, strings.HasPrefix(text, voice.Greeting))
	assert.Contains(t, text, "re: first")
	assert.Contains(t, text, chatFailureReply)
	assert.Contains(t, text, "re: third")
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "query", "quiz", "books", "ingest", "chat"})
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
