// Package mcptest provides a scriptable fake MCP server for tests.
//
// Tests run the fake by re-executing their own test binary. A TestMain
// hands control to the fake when the helper variable is set:
//
//	func TestMain(m *testing.M) {
//		if mcptest.IsHelper() {
//			os.Exit(mcptest.Main())
//		}
//		os.Exit(m.Run())
//	}
//
// and a server configuration launches it with Command(), the "stdio"
// argument, and Options.Env().
package mcptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

// Environment variables read by the helper process.
const (
	EnvHelper = "SNAPMARK_FAKE_MCP"
	EnvTools  = "SNAPMARK_FAKE_TOOLS"
	EnvFail   = "SNAPMARK_FAKE_FAIL"
	EnvMode   = "SNAPMARK_FAKE_MODE"
	EnvLog    = "SNAPMARK_FAKE_LOG"
)

// Modes alter how the fake misbehaves.
const (
	ModeNormal      = ""
	ModeGarbageInit = "garbage-init" // non-JSON reply to initialize
	ModeShort       = "short"        // partial initialize reply, then exit
	ModeExitInit    = "exit-init"    // exit without replying to initialize
	ModeNoTools     = "no-tools"     // empty catalog
	ModeNoResult    = "no-result"    // tools/list response without result
	ModeHangCall    = "hang-call"    // never answer tools/call
	ModeWrongID     = "wrong-id"     // answer tools/call with another id
	ModeNotify      = "notify"       // interleave notifications and logs
	ModeCustom      = "custom"       // custom strategy: echo the payload file
)

// ExcelTools is the default catalog: the spreadsheet tools the
// processing recipe drives.
var ExcelTools = []string{
	"create_workbook",
	"create_worksheet",
	"write_data_to_excel",
	"format_range",
	"read_data_from_excel",
}

// Options configure a helper process.
type Options struct {
	Tools []string // nil means ExcelTools
	Fail  []string // tools that answer with a JSON-RPC error
	Mode  string
	Log   string // file receiving every line the fake reads
}

// Env returns the environment for a helper process.
func (o Options) Env() map[string]string {
	env := map[string]string{EnvHelper: "1"}
	if o.Tools != nil {
		env[EnvTools] = strings.Join(o.Tools, ",")
	}
	if len(o.Fail) > 0 {
		env[EnvFail] = strings.Join(o.Fail, ",")
	}
	if o.Mode != "" {
		env[EnvMode] = o.Mode
	}
	if o.Log != "" {
		env[EnvLog] = o.Log
	}
	return env
}

// Command returns the executable that runs the fake: the current test
// binary.
func Command() string {
	return os.Args[0]
}

// IsHelper reports whether this process was started as the fake.
func IsHelper() bool {
	return os.Getenv(EnvHelper) == "1"
}

// Server is the fake itself.
type Server struct {
	Tools []string
	Fail  []string
	Mode  string
	Log   io.Writer
}

// FromEnv builds a Server from the helper environment.
func FromEnv() *Server {
	s := &Server{
		Tools: ExcelTools,
		Fail:  splitList(os.Getenv(EnvFail)),
		Mode:  os.Getenv(EnvMode),
	}
	if v, ok := os.LookupEnv(EnvTools); ok {
		s.Tools = splitList(v)
	}
	return s
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Main runs the fake on the process's stdio and returns an exit code.
func Main() int {
	s := FromEnv()
	if path := os.Getenv(EnvLog); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		defer f.Close()
		s.Log = f
	}

	if s.Mode == ModeCustom {
		return s.runCustom(os.Args[len(os.Args)-1], os.Stdout, os.Stderr)
	}
	if err := s.Serve(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

type message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Serve answers requests read from r until r is exhausted.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	if s.Mode == ModeNotify {
		fmt.Fprintln(os.Stderr, "fake server starting")
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if s.Log != nil {
			fmt.Fprintf(s.Log, "%s\n", line)
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("fake server: bad request line: %w", err)
		}
		if msg.ID == nil {
			continue
		}
		id := *msg.ID

		if s.Mode == ModeNotify {
			writeLine(w, map[string]any{
				"jsonrpc": "2.0",
				"method":  "notifications/message",
				"params":  map[string]any{"level": "info", "data": "handling " + msg.Method},
			})
		}

		switch msg.Method {
		case "initialize":
			switch s.Mode {
			case ModeGarbageInit:
				fmt.Fprint(w, "this is not json\n")
				continue
			case ModeShort:
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d`, id)
				return nil
			case ModeExitInit:
				return nil
			}
			writeResult(w, id, map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "snapmark-fake", "version": "0.0.1"},
			})

		case "tools/list":
			switch s.Mode {
			case ModeNoTools:
				writeResult(w, id, map[string]any{"tools": []any{}})
			case ModeNoResult:
				writeLine(w, map[string]any{"jsonrpc": "2.0", "id": id})
			default:
				writeResult(w, id, map[string]any{"tools": s.catalog()})
			}

		case "tools/call":
			var p callParams
			_ = json.Unmarshal(msg.Params, &p)
			switch {
			case s.Mode == ModeHangCall:
				continue
			case slices.Contains(s.Fail, p.Name):
				writeError(w, id, -32000, "tool failed: "+p.Name, map[string]any{"tool": p.Name})
			case !slices.Contains(s.Tools, p.Name):
				writeError(w, id, -32602, "unknown tool: "+p.Name, nil)
			case s.Mode == ModeWrongID:
				writeResult(w, id+100, map[string]any{})
			default:
				writeResult(w, id, map[string]any{
					"content":    []any{map[string]any{"type": "text", "text": "ok: " + p.Name}},
					"request_id": id,
					"tool":       p.Name,
					"arguments":  p.Arguments,
				})
			}

		case "ping":
			writeResult(w, id, map[string]any{})

		default:
			writeError(w, id, -32601, "method not found: "+msg.Method, nil)
		}
	}
	return scanner.Err()
}

func (s *Server) catalog() []any {
	out := make([]any, 0, len(s.Tools))
	for _, name := range s.Tools {
		out = append(out, map[string]any{
			"name":        name,
			"description": "fake " + strings.ReplaceAll(name, "_", " "),
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"filepath": map[string]any{"type": "string"}},
			},
		})
	}
	return out
}

// runCustom echoes the custom-strategy payload file back as JSON. With
// a non-empty Fail list it exits non-zero after writing to stderr.
func (s *Server) runCustom(path string, stdout, stderr io.Writer) int {
	if len(s.Fail) > 0 {
		fmt.Fprintln(stderr, "custom server refused payload")
		return 3
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(stderr, "cannot read payload:", err)
		return 1
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		fmt.Fprintln(stderr, "bad payload:", err)
		return 1
	}
	if s.Log != nil {
		fmt.Fprintf(s.Log, "%s\n", path)
	}
	writeLine(stdout, map[string]any{"success": true, "received": payload})
	return 0
}

func writeResult(w io.Writer, id int64, result any) {
	writeLine(w, map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeError(w io.Writer, id int64, code int, msg string, data any) {
	e := map[string]any{"code": code, "message": msg}
	if data != nil {
		e["data"] = data
	}
	writeLine(w, map[string]any{"jsonrpc": "2.0", "id": id, "error": e})
}

func writeLine(w io.Writer, v any) {
	data, _ := json.Marshal(v)
	w.Write(append(data, '\n'))
}
