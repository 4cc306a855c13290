package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nugget/snapmark/internal/config"
	"github.com/nugget/snapmark/internal/httpkit"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates an Ollama client. An empty baseURL means the
// local default.
func NewOllamaClient(baseURL string, opts Options, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		opts:       opts,
		httpClient: httpkit.NewClient(), // large local models with tools need the long default
		logger:     logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	TotalDuration   int64   `json:"total_duration,omitempty"` // nanoseconds
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming chat request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := ollamaRequest{
		Model:    model,
		Messages: messages,
		Tools:    tools,
	}
	if c.opts.Temperature != nil || c.opts.MaxTokens != 0 {
		req.Options = &ollamaOptions{Temperature: c.opts.Temperature, NumPredict: c.opts.MaxTokens}
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var wire ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	msg := wire.Message
	// Many local models put tool calls in the content instead of the
	// native field.
	if len(msg.ToolCalls) == 0 && msg.Content != "" && len(tools) > 0 {
		if parsed := parseTextToolCalls(msg.Content, toolNames(tools)); len(parsed) > 0 {
			msg.ToolCalls = parsed
			msg.Content = ""
		}
	}

	out := &ChatResponse{
		Model:         wire.Model,
		Message:       msg,
		InputTokens:   wire.PromptEvalCount,
		OutputTokens:  wire.EvalCount,
		TotalDuration: time.Duration(wire.TotalDuration),
	}
	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	return out, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error %d", resp.StatusCode)
	}
	return nil
}

// toolNames extracts function names from OpenAI-format tool definitions.
func toolNames(tools []map[string]any) []string {
	var names []string
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls extracts tool calls written as JSON in the content.
// Accepted shapes are a single {"name", "arguments"} object, an array of
// them, or either wrapped in <tool_call> tags. When validTools is
// non-nil, calls naming other tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var calls []textToolCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil || len(calls) == 0 {
		var single textToolCall
		if err := json.Unmarshal([]byte(content), &single); err != nil {
			return nil
		}
		calls = []textToolCall{single}
	}

	var out []ToolCall
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		if validTools != nil && !slices.Contains(validTools, c.Name) {
			continue
		}
		args := c.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, ToolCall{Function: FunctionCall{Name: c.Name, Arguments: args}})
	}
	return out
}
