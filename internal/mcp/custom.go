package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultCustomTimeout bounds a custom-strategy run when none is given.
const DefaultCustomTimeout = 30 * time.Second

// RunCustom runs a server that does not speak MCP. The payload is
// written to a temporary JSON file whose path is appended as the last
// argument. Stdout that parses as JSON is returned as-is; any other
// output is wrapped as {"output": stdout, "success": true}.
//
// A non-zero exit yields *CommandError, an expired timeout yields
// *TimeoutError (the process is killed), and a payload that cannot be
// written yields *ExportError. The temporary file is always removed;
// a failed removal is logged and otherwise ignored.
func RunCustom(ctx context.Context, cfg ServerConfig, payload any, timeout time.Duration, logger *slog.Logger) (json.RawMessage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.Name)
	if timeout <= 0 {
		timeout = DefaultCustomTimeout
	}

	path, err := writePayload(payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove payload file", "error", &ExportError{Path: path, Err: err})
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), cfg.Args...), path)
	cmd := exec.CommandContext(runCtx, cfg.Command, args...)
	cmd.Env = append(os.Environ(), cfg.Environ()...)
	// Bound the wait for a grandchild that inherited the output pipes.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("running custom server", "command", cfg.Command, "payload", path)
	start := time.Now()
	err = cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		logger.Warn("custom server timed out", "timeout", timeout)
		return nil, &TimeoutError{Op: "custom server " + cfg.Name, After: timeout}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Debug("custom server failed",
				"exit_code", exitErr.ExitCode(),
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return nil, &CommandError{
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}

	logger.Debug("custom server finished",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"stdout_bytes", stdout.Len(),
	)

	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 && json.Valid(out) {
		return json.RawMessage(out), nil
	}
	wrapped, err := json.Marshal(map[string]any{
		"output":  stdout.String(),
		"success": true,
	})
	if err != nil {
		return nil, fmt.Errorf("wrap custom server output: %w", err)
	}
	return wrapped, nil
}

// writePayload stores payload in a new temporary JSON file.
func writePayload(payload any) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal custom payload: %w", err)
	}

	f, err := os.CreateTemp("", "snapmark-*.json")
	if err != nil {
		return "", &ExportError{Path: os.TempDir(), Err: err}
	}
	path := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", &ExportError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", &ExportError{Path: path, Err: err}
	}
	return path, nil
}
