package llm

import "time"

// Message is a chat message in provider-neutral form.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for role "tool"
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // provider-assigned, echoed back with the result
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at the provider boundary.
type ChatResponse struct {
	Model   string
	Message Message

	InputTokens  int
	OutputTokens int

	// TotalDuration is populated when the provider reports it.
	TotalDuration time.Duration
}

// Options are sampling parameters applied to every request.
type Options struct {
	Temperature *float64 // nil leaves the provider default
	MaxTokens   int
}

// Tool renders a tool definition in the OpenAI function format that
// every provider here accepts or converts from.
func Tool(name, description string, parameters map[string]any) map[string]any {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        name,
			"description": description,
			"parameters":  parameters,
		},
	}
}
