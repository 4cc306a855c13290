package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/snapmark/internal/config"
	"github.com/nugget/snapmark/internal/httpkit"
)

const defaultOpenAIURL = "https://api.openai.com"

// OpenAIClient talks to the OpenAI chat completions API or any server
// that implements it.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates an OpenAI-compatible client. An empty baseURL
// means the public API.
func NewOpenAIClient(apiKey, baseURL string, opts Options, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		opts:       opts,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:     logger.With("provider", "openai"),
	}
}

type openAIRequest struct {
	Model       string           `json:"model"`
	Messages    []openAIMessage  `json:"messages"`
	Tools       []map[string]any `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON-encoded object
	} `json:"function"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := openAIRequest{
		Model:     model,
		Messages:  convertToOpenAI(messages),
		Tools:     tools,
		MaxTokens: c.opts.MaxTokens,
	}
	req.Temperature = c.opts.Temperature

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("openai API error %d: %s", resp.StatusCode, errBody)
	}

	var wire openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}

	out, err := convertFromOpenAI(&wire)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
		"finish_reason", wire.Choices[0].FinishReason,
	)
	return out, nil
}

// Ping verifies the endpoint and key by listing models.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai API error %d", resp.StatusCode)
	}
	return nil
}

func convertToOpenAI(messages []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		om := openAIMessage{Role: m.Role, Content: &content, ToolCallID: m.ToolCallID}
		for i, tc := range m.ToolCalls {
			args := tc.Function.Arguments
			if args == nil {
				args = map[string]any{}
			}
			encoded, _ := json.Marshal(args)
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%s_%d", tc.Function.Name, i)
			}
			call := openAIToolCall{ID: id, Type: "function"}
			call.Function.Name = tc.Function.Name
			call.Function.Arguments = string(encoded)
			om.ToolCalls = append(om.ToolCalls, call)
		}
		if len(om.ToolCalls) > 0 && content == "" {
			om.Content = nil
		}
		out = append(out, om)
	}
	return out
}

func convertFromOpenAI(resp *openAIResponse) (*ChatResponse, error) {
	wm := resp.Choices[0].Message
	msg := Message{Role: wm.Role}
	if wm.Content != nil {
		msg.Content = *wm.Content
	}
	for _, tc := range wm.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("decode arguments for %s: %w", tc.Function.Name, err)
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}
	return &ChatResponse{
		Model:        resp.Model,
		Message:      msg,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
