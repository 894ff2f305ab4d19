package providers

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// defaultOpenAIModel is used when config leaves Model blank.
const defaultOpenAIModel = openai.ChatModelGPT4o

// OpenAIClient is an AIClient backed by OpenAI's Chat Completions API. Also
// serves OpenAI-compatible gateways (Moonshot, local vLLM) when baseURL is
// set.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient builds an OpenAIClient.
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	if model == "" {
		model = defaultOpenAIModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...), model: model}
}

// Complete sends prompt as a single user message and returns the first
// choice's message content.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai complete: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Name identifies this provider for logging.
func (c *OpenAIClient) Name() string { return "openai" }

var _ AIClient = (*OpenAIClient)(nil)
