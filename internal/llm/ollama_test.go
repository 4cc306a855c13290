package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantCount  int
		wantName   string // first tool name if wantCount > 0
	}{
		{name: "empty content", content: "", wantCount: 0},
		{name: "whitespace only", content: "   \n\t  ", wantCount: 0},
		{name: "plain text no JSON", content: "The workbook is ready.", wantCount: 0},
		{
			name:      "single tool call object",
			content:   `{"name": "create_workbook", "arguments": {"filepath": "/tmp/a.xlsx"}}`,
			wantCount: 1,
			wantName:  "create_workbook",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "create_workbook", "arguments": {}}, {"name": "create_worksheet", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "create_workbook",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "format_range", "arguments": {"bold": true}}</tool_call>`,
			wantCount: 1,
			wantName:  "format_range",
		},
		{
			name:      "tagged without closing tag",
			content:   `<tool_call>{"name": "format_range", "arguments": {}}`,
			wantCount: 1,
			wantName:  "format_range",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me create that. <tool_call>{"name": "create_workbook", "arguments": {}}</tool_call>`,
			wantCount: 1,
			wantName:  "create_workbook",
		},
		{name: "malformed JSON", content: `{"name": "create_workbook", "arguments": {`, wantCount: 0},
		{name: "JSON without name", content: `{"foo": "bar", "arguments": {}}`, wantCount: 0},
		{
			name:       "unknown tool rejected",
			content:    `{"name": "delete_everything", "arguments": {}}`,
			validTools: []string{"create_workbook"},
			wantCount:  0,
		},
		{
			name:       "mixed valid and invalid",
			content:    `[{"name": "create_workbook", "arguments": {}}, {"name": "rm_rf", "arguments": {}}]`,
			validTools: []string{"create_workbook"},
			wantCount:  1,
			wantName:   "create_workbook",
		},
		{
			name:      "no validation",
			content:   `{"name": "anything", "arguments": {}}`,
			wantCount: 1,
			wantName:  "anything",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content, tt.validTools)
			if len(got) != tt.wantCount {
				t.Fatalf("parseTextToolCalls() returned %d tools, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("first tool name = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestParseTextToolCalls_Arguments(t *testing.T) {
	calls := parseTextToolCalls(`{"name": "write_data_to_excel", "arguments": {"sheet_name": "OCR Text", "start_cell": "A1"}}`, nil)
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	args := calls[0].Function.Arguments
	if args["sheet_name"] != "OCR Text" || args["start_cell"] != "A1" {
		t.Errorf("arguments = %v", args)
	}

	calls = parseTextToolCalls(`{"name": "create_workbook"}`, nil)
	if calls[0].Function.Arguments == nil {
		t.Error("missing arguments should become an empty map")
	}
}

func TestToolNames(t *testing.T) {
	tools := []map[string]any{
		Tool("create_workbook", "", nil),
		{"broken": "entry"},
		Tool("format_range", "", nil),
	}
	got := toolNames(tools)
	if len(got) != 2 || got[0] != "create_workbook" || got[1] != "format_range" {
		t.Errorf("toolNames = %v", got)
	}
	if toolNames(nil) != nil {
		t.Error("toolNames(nil) should be nil")
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"model":"qwen","message":{"role":"assistant","content":"done"},"done":true,"total_duration":1500000000,"prompt_eval_count":20,"eval_count":5}`))
	}))
	defer srv.Close()

	temp := 0.3
	c := NewOllamaClient(srv.URL, Options{Temperature: &temp, MaxTokens: 1000}, nil)
	resp, err := c.Chat(context.Background(), "qwen", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.Stream {
		t.Error("request asked for streaming")
	}
	if got.Options == nil || got.Options.NumPredict != 1000 || got.Options.Temperature == nil || *got.Options.Temperature != 0.3 {
		t.Errorf("options = %+v", got.Options)
	}
	if resp.Message.Content != "done" || resp.InputTokens != 20 || resp.OutputTokens != 5 {
		t.Errorf("response = %+v", resp)
	}
	if resp.TotalDuration != 1500*time.Millisecond {
		t.Errorf("duration = %v", resp.TotalDuration)
	}
}

func TestOllamaClient_ChatRecoversTextToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"qwen","message":{"role":"assistant","content":"<tool_call>{\"name\":\"create_workbook\",\"arguments\":{\"filepath\":\"/x.xlsx\"}}</tool_call>"},"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, Options{}, nil)
	tools := []map[string]any{Tool("create_workbook", "", nil)}
	resp, err := c.Chat(context.Background(), "qwen", []Message{{Role: "user", Content: "go"}}, tools)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "create_workbook" {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.Message.Content != "" {
		t.Errorf("content not cleared: %q", resp.Message.Content)
	}
}

func TestOllamaClient_ErrorAndPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[]}`))
		default:
			http.Error(w, "model not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, Options{}, nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if _, err := c.Chat(context.Background(), "missing", []Message{{Role: "user", Content: "x"}}, nil); err == nil {
		t.Error("expected error for 404")
	}
}
