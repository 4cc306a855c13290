// Package llm provides the completion providers used by the action
// planner and the agent runtime.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/snapmark/internal/config"
)

// Client is the interface that all providers implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// Tools use the OpenAI function format (see Tool).
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// New builds the provider named in cfg. An empty provider returns a
// nil Client and no error: snapmark then runs without a model.
func New(cfg config.LLMConfig, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := Options{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}

	switch cfg.Provider {
	case "":
		return nil, nil
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, opts, logger), nil
	case "anthropic":
		return NewAnthropicClient(cfg.APIKey, cfg.BaseURL, opts, logger), nil
	case "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.BaseURL, opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Completer adapts a Client to single-prompt text completion.
type Completer struct {
	client Client
	model  string
}

// NewCompleter returns a Completer that sends prompts to model.
func NewCompleter(c Client, model string) *Completer {
	return &Completer{client: c, model: model}
}

// Complete sends a system and user message with no tools and returns
// the trimmed reply.
func (c *Completer) Complete(ctx context.Context, system, prompt string) (string, error) {
	msgs := []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: prompt},
	}
	resp, err := c.client.Chat(ctx, c.model, msgs, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}
