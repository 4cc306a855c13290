package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/snapmark/internal/mcp/mcptest"
)

func TestStdio_FullExchange(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "requests.log")
	cfg := fakeServer("excel", mcptest.Options{Log: logPath})
	ctx := context.Background()

	s, err := Open(ctx, cfg, SessionOptions{CallTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Handshake(ctx); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	tools, err := s.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != len(mcptest.ExcelTools) {
		t.Fatalf("got %d tools, want %d", len(tools), len(mcptest.ExcelTools))
	}

	raw, err := s.CallTool(ctx, "create_workbook", map[string]any{"filepath": "/tmp/x.xlsx"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var res struct {
		RequestID int64          `json:"request_id"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.RequestID != 3 {
		t.Errorf("request_id = %d, want 3", res.RequestID)
	}
	if res.Arguments["filepath"] != "/tmp/x.xlsx" {
		t.Errorf("arguments = %v", res.Arguments)
	}

	text, err := s.CallToolText(ctx, "format_range", nil)
	if err != nil {
		t.Fatalf("CallToolText: %v", err)
	}
	if text != "ok: format_range" {
		t.Errorf("text = %q", text)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	wantMethods := []string{"initialize", "notifications/initialized", "tools/list", "tools/call", "tools/call"}
	wantIDs := []int64{1, 0, 2, 3, 4}
	if len(lines) != len(wantMethods) {
		t.Fatalf("server saw %d lines, want %d:\n%s", len(lines), len(wantMethods), data)
	}
	for i, line := range lines {
		var msg struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if msg.Method != wantMethods[i] {
			t.Errorf("line %d method = %q, want %q", i, msg.Method, wantMethods[i])
		}
		var id int64
		if msg.ID != nil {
			id = *msg.ID
		}
		if id != wantIDs[i] {
			t.Errorf("line %d id = %d, want %d", i, id, wantIDs[i])
		}
	}
}

func TestStdio_SpawnError(t *testing.T) {
	cfg := ServerConfig{Name: "ghost", Command: "/nonexistent/snapmark-ghost-mcp-server"}
	_, err := Open(context.Background(), cfg, SessionOptions{})
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SpawnError", err)
	}
	if se.Command != cfg.Command {
		t.Errorf("Command = %q", se.Command)
	}
}

func TestStdio_HandshakeFailures(t *testing.T) {
	for _, mode := range []string{mcptest.ModeGarbageInit, mcptest.ModeShort, mcptest.ModeExitInit} {
		t.Run(mode, func(t *testing.T) {
			cfg := fakeServer("bad", mcptest.Options{Mode: mode})
			s, err := Open(context.Background(), cfg, SessionOptions{CallTimeout: 10 * time.Second})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()

			err = s.Handshake(context.Background())
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("Handshake = %v, want *ProtocolError", err)
			}
		})
	}
}

func TestStdio_ShortReadReported(t *testing.T) {
	cfg := fakeServer("short", mcptest.Options{Mode: mcptest.ModeShort})
	s, err := Open(context.Background(), cfg, SessionOptions{CallTimeout: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	err = s.Handshake(context.Background())
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Handshake = %v, want short read", err)
	}
}

func TestStdio_NotificationsSkipped(t *testing.T) {
	cfg := fakeServer("chatty", mcptest.Options{Mode: mcptest.ModeNotify})
	s, tools, err := Connect(context.Background(), cfg, SessionOptions{CallTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	if len(tools) == 0 {
		t.Fatal("no tools")
	}
	if _, err := s.CallTool(context.Background(), "create_workbook", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
}

func TestStdio_ToolErrorKeepsSessionUsable(t *testing.T) {
	cfg := fakeServer("flaky", mcptest.Options{Fail: []string{"create_worksheet"}})
	s, _, err := Connect(context.Background(), cfg, SessionOptions{CallTimeout: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, err = s.CallTool(context.Background(), "create_worksheet", map[string]any{"sheet_name": "OCR Text"})
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *ToolError", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(te.Payload, &payload); err != nil {
		t.Fatalf("payload not JSON: %s", te.Payload)
	}
	if payload["message"] != "tool failed: create_worksheet" {
		t.Errorf("payload = %s", te.Payload)
	}

	if _, err := s.CallTool(context.Background(), "format_range", nil); err != nil {
		t.Errorf("call after tool error: %v", err)
	}
}

func TestStdio_MismatchedIDIsProtocolError(t *testing.T) {
	cfg := fakeServer("confused", mcptest.Options{Mode: mcptest.ModeWrongID})
	s, _, err := Connect(context.Background(), cfg, SessionOptions{CallTimeout: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, err = s.CallTool(context.Background(), "create_workbook", nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
	if !strings.Contains(err.Error(), "does not match") {
		t.Errorf("err = %v", err)
	}
}

func TestStdio_CallTimeout(t *testing.T) {
	cfg := fakeServer("slow", mcptest.Options{Mode: mcptest.ModeHangCall})
	s, _, err := Connect(context.Background(), cfg, SessionOptions{CallTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	start := time.Now()
	_, err = s.CallTool(context.Background(), "create_workbook", nil)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout teardown took %v", elapsed)
	}
}

func TestStdio_EmptyCatalog(t *testing.T) {
	for _, mode := range []string{mcptest.ModeNoTools, mcptest.ModeNoResult} {
		t.Run(mode, func(t *testing.T) {
			cfg := fakeServer("empty", mcptest.Options{Mode: mode})
			s, tools, err := Connect(context.Background(), cfg, SessionOptions{CallTimeout: 10 * time.Second})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer s.Close()
			if len(tools) != 0 {
				t.Errorf("tools = %v, want none", tools)
			}
		})
	}
}

func TestStdioTransport_CloseTwice(t *testing.T) {
	cfg := fakeServer("twice", mcptest.Options{})
	tr, err := StartStdio(StdioConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Environ(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	_, err = tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Send after Close = %v, want ErrTransportClosed", err)
	}
}

func TestStdioTransport_StderrTail(t *testing.T) {
	cfg := fakeServer("noisy", mcptest.Options{Mode: mcptest.ModeNotify})
	tr, err := StartStdio(StdioConfig{Command: cfg.Command, Args: cfg.Args, Env: cfg.Environ()})
	if err != nil {
		t.Fatal(err)
	}
	tr.Close()

	tail := tr.StderrTail()
	if len(tail) == 0 || tail[0] != "fake server starting" {
		t.Errorf("StderrTail = %q", tail)
	}
}

// noisyInit writes a 300000-byte stderr line and 200 KB more stderr
// before answering initialize, more than a pipe buffer holds.
const noisyInit = `head -c 300000 /dev/zero | tr '\0' x >&2; echo >&2
head -c 200000 /dev/zero | tr '\0' y >&2; echo >&2
read line
echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"noisy","version":"1"}}}'
cat >/dev/null`

func TestStdio_LongStderrLineKeepsDraining(t *testing.T) {
	cfg := ServerConfig{Name: "noisy", Command: "sh", Args: []string{"-c", noisyInit}, Strategy: "stdio"}
	s, err := Open(context.Background(), cfg, SessionOptions{CallTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if s.State() != StateHandshaken {
		t.Errorf("state = %v, want handshaken", s.State())
	}
	if s.ServerInfo().Name != "noisy" {
		t.Errorf("server = %+v", s.ServerInfo())
	}
}

func TestStdioTransport_LongStderrLineCut(t *testing.T) {
	tr, err := StartStdio(StdioConfig{
		Command: "sh",
		Args:    []string{"-c", `head -c 300000 /dev/zero | tr '\0' x >&2; echo >&2; echo done >&2`},
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-tr.exited:
	case <-time.After(10 * time.Second):
		t.Fatal("server did not exit")
	}
	tr.Close()

	tail := tr.StderrTail()
	if len(tail) != 2 {
		t.Fatalf("got %d stderr lines, want 2", len(tail))
	}
	want := strings.Repeat("x", stderrLineMax) + " [... 295904 bytes cut]"
	if tail[0] != want {
		t.Errorf("first line has %d bytes, ends %q", len(tail[0]), tail[0][max(0, len(tail[0])-40):])
	}
	if tail[1] != "done" {
		t.Errorf("second line = %q", tail[1])
	}
}
