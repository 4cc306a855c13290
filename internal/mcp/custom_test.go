package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/snapmark/internal/mcp/mcptest"
)

func shServer(script string) ServerConfig {
	// The trailing "sh" becomes $0, so the payload path arrives as $1.
	return ServerConfig{Name: "sh", Command: "sh", Args: []string{"-c", script, "sh"}, Enabled: true}
}

func TestRunCustom_JSONStdout(t *testing.T) {
	cfg := shServer(`echo '{"success": true, "rows": 3}'`)
	raw, err := RunCustom(context.Background(), cfg, map[string]any{"image_path": "/a.png"}, time.Second*10, nil)
	if err != nil {
		t.Fatalf("RunCustom: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["rows"] != float64(3) {
		t.Errorf("result = %s", raw)
	}
}

func TestRunCustom_PlainStdoutWrapped(t *testing.T) {
	cfg := shServer(`echo wrote spreadsheet`)
	raw, err := RunCustom(context.Background(), cfg, map[string]any{}, 10*time.Second, nil)
	if err != nil {
		t.Fatalf("RunCustom: %v", err)
	}
	var got map[string]any
	json.Unmarshal(raw, &got)
	if got["output"] != "wrote spreadsheet\n" || got["success"] != true {
		t.Errorf("result = %s", raw)
	}
}

func TestRunCustom_NonZeroExit(t *testing.T) {
	cfg := shServer(`echo boom >&2; exit 1`)
	_, err := RunCustom(context.Background(), cfg, map[string]any{}, 10*time.Second, nil)
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if ce.Error() != "Server command failed: boom" {
		t.Errorf("Error() = %q", ce.Error())
	}
	if ce.ExitCode != 1 {
		t.Errorf("ExitCode = %d", ce.ExitCode)
	}
}

func TestRunCustom_PayloadFileAppendedAndRemoved(t *testing.T) {
	record := filepath.Join(t.TempDir(), "seen")
	// The payload path is the last argument; copy it and remember its name.
	cfg := shServer(`for last; do :; done; echo "$last" > ` + record + `; cat "$last"`)
	payload := map[string]any{"image_path": "/shots/a.png", "ocr_text": "hello"}

	raw, err := RunCustom(context.Background(), cfg, payload, 10*time.Second, nil)
	if err != nil {
		t.Fatalf("RunCustom: %v", err)
	}
	var got map[string]any
	json.Unmarshal(raw, &got)
	if got["ocr_text"] != "hello" {
		t.Errorf("server saw payload %s", raw)
	}

	seen, err := os.ReadFile(record)
	if err != nil {
		t.Fatal(err)
	}
	path := strings.TrimSpace(string(seen))
	if !strings.HasPrefix(filepath.Base(path), "snapmark-") || filepath.Ext(path) != ".json" {
		t.Errorf("payload path = %q", path)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("payload file %s still exists (err %v)", path, err)
	}
}

func TestRunCustom_Timeout(t *testing.T) {
	cfg := shServer(`exec sleep 5`)
	start := time.Now()
	_, err := RunCustom(context.Background(), cfg, map[string]any{}, 200*time.Millisecond, nil)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestRunCustom_SpawnError(t *testing.T) {
	cfg := ServerConfig{Name: "ghost", Command: "/nonexistent/snapmark-exporter"}
	_, err := RunCustom(context.Background(), cfg, map[string]any{}, time.Second, nil)
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SpawnError", err)
	}
}

func TestRunCustom_HelperEcho(t *testing.T) {
	cfg := ServerConfig{
		Name:    "echo",
		Command: mcptest.Command(),
		Args:    []string{"custom"},
		Env:     mcptest.Options{Mode: mcptest.ModeCustom}.Env(),
	}
	raw, err := RunCustom(context.Background(), cfg, map[string]any{"timestamp": 12.5}, 10*time.Second, nil)
	if err != nil {
		t.Fatalf("RunCustom: %v", err)
	}
	var got struct {
		Success  bool           `json:"success"`
		Received map[string]any `json:"received"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Success || got.Received["timestamp"] != 12.5 {
		t.Errorf("result = %s", raw)
	}
}
