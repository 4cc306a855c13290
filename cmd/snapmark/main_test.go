package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/snapmark/internal/mcp/mcptest"
)

func TestMain(m *testing.M) {
	if mcptest.IsHelper() {
		os.Exit(mcptest.Main())
	}
	os.Exit(m.Run())
}

// writeConfig writes a config with one fake stdio server and returns
// its path and the export directory.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	exportDir := filepath.Join(dir, "exports")
	cfg := fmt.Sprintf(`data_dir: %q
export_dir: %q
log_level: error
mcp:
  enabled: true
  servers:
    excel:
      command: %q
      args: ["stdio"]
      env:
        %s: "1"
    spare:
      command: /bin/true
      enabled: false
%s`, filepath.Join(dir, "data"), exportDir, mcptest.Command(), mcptest.EnvHelper, extra)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, exportDir
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestRun_Version(t *testing.T) {
	out, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "snapmark dev") || !strings.Contains(out, "go_version:") {
		t.Errorf("version output:\n%s", out)
	}

	out, _, err = runCLI(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if info["version"] != "dev" {
		t.Errorf("version = %q", info["version"])
	}
}

func TestRun_BadOutputFormat(t *testing.T) {
	if _, _, err := runCLI(t, "-o", "yaml", "version"); err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("err = %v", err)
	}
}

func TestRun_MissingExplicitConfig(t *testing.T) {
	if _, _, err := runCLI(t, "--config", "/nonexistent/snapmark.yaml", "servers"); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestRun_Servers(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")

	out, _, err := runCLI(t, "--config", cfgPath, "-o", "json", "servers")
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	var views []serverView
	if err := json.Unmarshal([]byte(out), &views); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, out)
	}
	if len(views) != 2 || views[0].Name != "excel" || !views[0].Enabled || views[0].Strategy != "stdio" {
		t.Errorf("views = %+v", views)
	}
	if views[1].Name != "spare" || views[1].Enabled {
		t.Errorf("spare = %+v", views[1])
	}
}

func TestRun_ProcessAndRuns(t *testing.T) {
	cfgPath, exportDir := writeConfig(t, "")

	image := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(image, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	note := filepath.Join(t.TempDir(), "shot.md")
	if err := os.WriteFile(note, []byte("# Standup notes\n\nbody\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, stderr, err := runCLI(t, "--config", cfgPath, "-o", "json", "process", image, "--note", note, "--text", "hello")
	if err != nil {
		t.Fatalf("process: %v\nstderr:\n%s", err, stderr)
	}
	var result map[string]struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Results struct {
			FilesCreated []string `json:"files_created"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, out)
	}
	excel, ok := result["excel"]
	if !ok || len(result) != 1 {
		t.Fatalf("result = %s", out)
	}
	want := filepath.Join(exportDir, "shot_data.xlsx")
	if !excel.Success || len(excel.Results.FilesCreated) != 1 || excel.Results.FilesCreated[0] != want {
		t.Errorf("excel = %+v, want file %s", excel, want)
	}

	out, _, err = runCLI(t, "--config", cfgPath, "-o", "json", "runs", "--limit", "5")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	var runs []runView
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("unmarshal runs: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].Server != "excel" || !runs[0].Success || runs[0].ImagePath != image {
		t.Errorf("runs = %+v", runs)
	}

	out, _, err = runCLI(t, "--config", cfgPath, "-o", "json", "runs", "--since", "1h")
	if err != nil {
		t.Fatalf("runs --since: %v", err)
	}
	var sum []summaryView
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("unmarshal summary: %v\n%s", err, out)
	}
	if len(sum) != 1 || sum[0].Server != "excel" || sum[0].Total != 1 || sum[0].Failed != 0 {
		t.Errorf("summary = %+v", sum)
	}

	out, _, err = runCLI(t, "--config", cfgPath, "runs", "--run", runs[0].RunID)
	if err != nil {
		t.Fatalf("runs --run: %v", err)
	}
	if !strings.Contains(out, "excel") {
		t.Errorf("runs text output:\n%s", out)
	}
}

func TestRun_ProcessUnknownServer(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	_, _, err := runCLI(t, "--config", cfgPath, "process", "/tmp/x.png", "--server", "nope")
	if err == nil || !strings.Contains(err.Error(), "unknown server") {
		t.Errorf("err = %v", err)
	}
}

func TestRun_TestServer(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")

	out, _, err := runCLI(t, "--config", cfgPath, "test", "excel")
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	for _, want := range append([]string{"snapmark-fake"}, mcptest.ExcelTools...) {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_TaskWithoutModel(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")

	out, _, err := runCLI(t, "--config", cfgPath, "task", "summarize", "this")
	if err == nil {
		t.Fatal("expected failure without a model")
	}
	if !strings.Contains(out, "agent runtime not available") {
		t.Errorf("output:\n%s", out)
	}
}

func TestParseContext(t *testing.T) {
	entries, err := parseContext([]string{"folder=~/SnapMark", "query=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Key != "folder" || entries[1].Value != "a=b" {
		t.Errorf("entries = %+v", entries)
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseContext([]string{bad}); err == nil {
			t.Errorf("parseContext(%q) should fail", bad)
		}
	}
}
