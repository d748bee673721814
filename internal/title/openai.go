package title

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/zulandar/switchyard/internal/ollama"
)

// OpenAICompleter talks to the OpenAI-compatible API a model server
// exposes under /v1.
type OpenAICompleter struct {
	client *openai.Client
}

// NewOpenAICompleter returns a completer for the endpoint at address.
func NewOpenAICompleter(address string) *OpenAICompleter {
	cfg := openai.DefaultConfig("ollama")
	cfg.BaseURL = strings.TrimRight(address, "/") + "/v1"
	return &OpenAICompleter{client: openai.NewClientWithConfig(cfg)}
}

// Complete sends messages with streaming disabled and returns the first
// choice's text.
func (c *OpenAICompleter) Complete(ctx context.Context, model string, messages []ollama.Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("title: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("title: completion: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
