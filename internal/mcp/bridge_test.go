package mcp

import (
	"context"
	"encoding/json"
	"testing"
)

func TestToolName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"excel", "create_workbook", "mcp_excel_create_workbook"},
		{"excel-mcp-server", "write_data_to_excel", "mcp_excel_mcp_server_write_data_to_excel"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"test", "UPPERCASE", "mcp_test_uppercase"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
	}

	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			got := ToolName(tt.server, tt.tool)
			if got != tt.want {
				t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"Hello-World", "hello_world"},
		{"a--b", "a_b"},
		{"_leading_", "leading"},
		{"special!chars", "special_chars"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitize(tt.input)
			if got != tt.want {
				t.Errorf("sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func bridgeMock(defs ...ToolDefinition) *Session {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{ProtocolVersion: ProtocolVersion})
	mt.addResponse("tools/list", toolsListResult{Tools: defs})
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{{Type: "text", Text: "workbook created"}},
	})
	s := NewSession("excel", mt, SessionOptions{})
	s.Handshake(context.Background())
	return s
}

var excelDefs = []ToolDefinition{
	{Name: "create_workbook", Description: "Create a workbook", InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filepath": map[string]any{"type": "string"},
		},
	}},
	{Name: "create_worksheet", Description: "Add a sheet"},
	{Name: "format_range", Description: "Format cells", InputSchema: map[string]any{"type": "object"}},
}

func TestBridgeTools_AllTools(t *testing.T) {
	s := bridgeMock(excelDefs...)

	tools, err := BridgeTools(context.Background(), s, nil, nil, nil)
	if err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}
	if len(tools) != 3 {
		t.Fatalf("len = %d, want 3", len(tools))
	}

	byName := map[string]BridgedTool{}
	for _, bt := range tools {
		byName[bt.Name] = bt
	}
	wb, ok := byName["mcp_excel_create_workbook"]
	if !ok {
		t.Fatalf("missing mcp_excel_create_workbook in %v", byName)
	}
	if wb.ToolName != "create_workbook" || wb.Server != "excel" {
		t.Errorf("bridged tool = %+v", wb)
	}
	props, ok := wb.Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatal("schema properties not passed through")
	}
	if _, ok := props["filepath"]; !ok {
		t.Error("missing filepath in parameters")
	}

	// A tool without a schema still gets an object schema.
	ws := byName["mcp_excel_create_worksheet"]
	if ws.Parameters["type"] != "object" {
		t.Errorf("default schema = %v", ws.Parameters)
	}
}

func TestBridgeTools_IncludeFilter(t *testing.T) {
	s := bridgeMock(excelDefs...)

	tools, err := BridgeTools(context.Background(), s, []string{"create_workbook", "format_range"}, []string{"format_range"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 2 {
		t.Errorf("len = %d, want 2 (include wins over exclude)", len(tools))
	}
}

func TestBridgeTools_ExcludeFilter(t *testing.T) {
	s := bridgeMock(excelDefs...)

	tools, err := BridgeTools(context.Background(), s, nil, []string{"create_worksheet"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 2 {
		t.Fatalf("len = %d, want 2", len(tools))
	}
	for _, bt := range tools {
		if bt.ToolName == "create_worksheet" {
			t.Error("create_worksheet should have been excluded")
		}
	}
}

func TestBridgeTools_HandlerProxiesCallTool(t *testing.T) {
	s := bridgeMock(excelDefs...)
	mt := s.transport.(*mockTransport)

	tools, err := BridgeTools(context.Background(), s, []string{"create_workbook"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	got, err := tools[0].Handler(context.Background(), map[string]any{"filepath": "/x.xlsx"})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if got != "workbook created" {
		t.Errorf("Handler = %q", got)
	}

	// The call uses the server's own tool name, not the namespaced one.
	mt.mu.Lock()
	defer mt.mu.Unlock()
	last := mt.sent[len(mt.sent)-1]
	params, _ := json.Marshal(last.Params)
	var p map[string]any
	json.Unmarshal(params, &p)
	if last.Method != "tools/call" || p["name"] != "create_workbook" {
		t.Errorf("last request = %s %s", last.Method, params)
	}
}
