package sdkslot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// bedrockAnthropicVersion is the Bedrock-hosted Anthropic Messages API
// contract version; it is unrelated to the model id and does not change
// with model upgrades.
const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockSlot is the backup SDK slot: Claude served through AWS Bedrock,
// used when the direct Anthropic API is unreachable or rate-limiting.
type BedrockSlot struct {
	client    *bedrockruntime.Client
	modelID   string
	maxTokens int
}

// NewBedrockSlot builds the backup slot over an already-configured Bedrock
// runtime client.
func NewBedrockSlot(client *bedrockruntime.Client, modelID string, maxTokens int) *BedrockSlot {
	return &BedrockSlot{client: client, modelID: modelID, maxTokens: maxTokens}
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockResponse struct {
	Content []bedrockContentBlock `json:"content"`
}

func (s *BedrockSlot) Name() string { return "bedrock" }

func (s *BedrockSlot) Call(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        s.maxTokens,
		Messages:         []bedrockMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("sdkslot: bedrock: encode request: %w", err)
	}

	out, err := s.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(s.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("sdkslot: bedrock call: %w", err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("sdkslot: bedrock: decode response: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("sdkslot: bedrock: empty response")
	}
	return resp.Content[0].Text, nil
}
