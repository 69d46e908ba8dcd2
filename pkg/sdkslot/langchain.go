package sdkslot

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// LangchainSlot is the third, model-agnostic fallback slot: any
// langchaingo-compatible backend (local Ollama, a third cloud vendor, …)
// wired in by the caller, so the rotation chain survives an outage of both
// Anthropic-hosted options at once.
type LangchainSlot struct {
	name  string
	model llms.Model
}

// NewLangchainSlot wraps model, labeling it name for logs and exclusion
// tracking.
func NewLangchainSlot(name string, model llms.Model) *LangchainSlot {
	return &LangchainSlot{name: name, model: model}
}

func (s *LangchainSlot) Name() string { return s.name }

func (s *LangchainSlot) Call(ctx context.Context, prompt string) (string, error) {
	resp, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt)
	if err != nil {
		return "", fmt.Errorf("sdkslot: langchain call: %w", err)
	}
	return resp, nil
}
