package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/kiosklabs/voice-gateway/internal/conversation"
)

// Fallback answers typed client messages with a plain chat completion when
// the realtime upstream is degraded. Text only; no audio synthesis.
type Fallback struct {
	client openai.Client
	model  string
}

// NewFallback creates a fallback assistant for the given model.
func NewFallback(apiKey, model string) *Fallback {
	return &Fallback{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete produces one assistant reply from the session's history.
func (f *Fallback) Complete(ctx context.Context, instructions string, turns []conversation.Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	messages = append(messages, openai.SystemMessage(instructions))
	for _, t := range turns {
		switch t.Speaker {
		case conversation.SpeakerAssistant:
			messages = append(messages, openai.AssistantMessage(t.Text))
		default:
			messages = append(messages, openai.UserMessage(t.Text))
		}
	}

	resp, err := f.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(f.model),
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
