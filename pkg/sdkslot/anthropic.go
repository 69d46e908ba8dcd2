package sdkslot

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicSlot is the primary SDK slot: a direct Anthropic API client.
type AnthropicSlot struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicSlot builds the primary slot from an API key and model name.
func NewAnthropicSlot(apiKey string, model anthropic.Model, maxTokens int64) *AnthropicSlot {
	return &AnthropicSlot{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (s *AnthropicSlot) Name() string { return "anthropic" }

func (s *AnthropicSlot) Call(ctx context.Context, prompt string) (string, error) {
	msg, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("sdkslot: anthropic call: %w", err)
	}
	if len(msg.Content) == 0 {
		return "", fmt.Errorf("sdkslot: anthropic: empty response")
	}
	return msg.Content[0].Text, nil
}
