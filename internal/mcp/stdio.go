package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/snapmark/internal/config"
)

// Default shutdown bounds for a stdio server.
const (
	DefaultExitGrace    = 5 * time.Second
	DefaultDrainTimeout = 500 * time.Millisecond
)

// stderrTailLines is how many trailing stderr lines are kept for
// diagnostics after the process exits.
const stderrTailLines = 20

// stderrLineMax bounds one kept stderr line.
const stderrLineMax = 4096

// ErrTransportClosed is returned by Send and Notify after Close.
var ErrTransportClosed = errors.New("transport closed")

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), appended to the current process
	// environment.
	Env []string

	// ExitGrace bounds how long Close waits for the process to exit
	// after stdin is closed before killing it. Zero means
	// DefaultExitGrace.
	ExitGrace time.Duration

	// DrainTimeout bounds how long Close waits for the background
	// readers once the process is gone. Zero means DefaultDrainTimeout.
	DrainTimeout time.Duration

	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. The process is started by StartStdio and lives until
// Close; it is never tied to a request context.
//
// The transport owns three goroutines: one line reader for stdout, one
// drain for stderr, and one waiter for the process. All of them are
// tracked and stopped by Close.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	// mu serializes request/response pairs and notification writes.
	mu sync.Mutex

	lines   chan []byte
	readErr error // set before lines is closed

	exited  chan struct{}
	waitErr error // set before exited is closed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	tailMu     sync.Mutex
	stderrTail []string
}

// StartStdio spawns the configured command and starts the background
// readers. A process that cannot be started yields a *SpawnError.
func StartStdio(cfg StdioConfig) (*StdioTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExitGrace <= 0 {
		cfg.ExitGrace = DefaultExitGrace
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)

	// Stdout and stderr use pipes we own so that cmd.Wait can run
	// concurrently with the readers without closing them underneath.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	logger.Info("starting MCP subprocess", "command", cfg.Command, "args", cfg.Args)

	if err := cmd.Start(); err != nil {
		stdin.Close()
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	ctx, cancel := context.WithCancel(context.Background())
	t := &StdioTransport{
		config: cfg,
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: stderrR,
		lines:  make(chan []byte),
		exited: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	t.wg.Add(3)
	go t.readLoop()
	go t.drainStderr()
	go t.waitProcess()

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// readLoop is the only reader of stdout. It delivers one complete line
// per message and records why the stream ended before closing lines.
func (t *StdioTransport) readLoop() {
	defer t.wg.Done()

	reader := bufio.NewReaderSize(t.stdout, 1<<20) // 1 MiB buffer for large responses
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			switch {
			case len(line) > 0 && errors.Is(err, io.EOF):
				t.readErr = fmt.Errorf("short read: %d bytes without newline: %w", len(line), io.ErrUnexpectedEOF)
			case errors.Is(err, io.EOF):
				t.readErr = errors.New("server closed stdout")
			case t.ctx.Err() != nil:
				t.readErr = ErrTransportClosed
			default:
				t.readErr = fmt.Errorf("read from subprocess stdout: %w", err)
			}
			close(t.lines)
			return
		}

		select {
		case t.lines <- line:
		case <-t.ctx.Done():
			t.readErr = ErrTransportClosed
			close(t.lines)
			return
		}
	}
}

// drainStderr logs stderr lines at debug level and keeps a short tail
// for diagnostics. Stderr is not part of the protocol. It reads until
// the pipe closes; lines longer than stderrLineMax are cut.
func (t *StdioTransport) drainStderr() {
	defer t.wg.Done()

	reader := bufio.NewReaderSize(t.stderr, 64*1024)
	var (
		line []byte
		cut  int
	)
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if room := stderrLineMax - len(line); room > 0 {
			n := min(room, len(chunk))
			line = append(line, chunk[:n]...)
			cut += len(chunk) - n
		} else {
			cut += len(chunk)
		}
		if err != nil {
			if len(line) > 0 || cut > 0 {
				t.recordStderr(line, cut)
			}
			return
		}
		if isPrefix {
			continue
		}
		t.recordStderr(line, cut)
		line, cut = line[:0], 0
	}
}

func (t *StdioTransport) recordStderr(raw []byte, cut int) {
	line := string(raw)
	if cut > 0 {
		line += fmt.Sprintf(" [... %d bytes cut]", cut)
	}
	t.logger.Debug("MCP subprocess stderr", "line", line)

	t.tailMu.Lock()
	t.stderrTail = append(t.stderrTail, line)
	if len(t.stderrTail) > stderrTailLines {
		t.stderrTail = t.stderrTail[len(t.stderrTail)-stderrTailLines:]
	}
	t.tailMu.Unlock()
}

func (t *StdioTransport) waitProcess() {
	defer t.wg.Done()
	t.waitErr = t.cmd.Wait()
	close(t.exited)
}

// StderrTail returns the most recent stderr lines from the server.
func (t *StdioTransport) StderrTail() []string {
	t.tailMu.Lock()
	defer t.tailMu.Unlock()
	return append([]string(nil), t.stderrTail...)
}

// Send writes a JSON-RPC request and reads lines until the matching
// response arrives. Lines without an id are server notifications and
// are skipped. Malformed JSON, a mismatched id, or a stream that ends
// early is a *ProtocolError. Context cancellation returns ctx.Err().
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return nil, &ProtocolError{Op: req.Method, Err: ErrTransportClosed}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP send", "line", string(data))

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return nil, &ProtocolError{Op: req.Method, Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-t.lines:
			if !ok {
				return nil, &ProtocolError{Op: req.Method, Err: t.readErr}
			}
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			t.logger.Log(ctx, config.LevelTrace, "MCP recv", "line", string(line))

			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				return nil, &ProtocolError{Op: req.Method, Err: fmt.Errorf("malformed JSON from server: %w", err)}
			}
			if resp.ID == nil {
				t.logger.Debug("skipping MCP server notification", "method", resp.Method)
				continue
			}
			if *resp.ID != req.ID {
				return nil, &ProtocolError{
					Op:  req.Method,
					Err: fmt.Errorf("response id %d does not match request id %d", *resp.ID, req.ID),
				}
			}
			return &resp, nil
		}
	}
}

// Notify writes a JSON-RPC notification. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return &ProtocolError{Op: notif.Method, Err: ErrTransportClosed}
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP send", "line", string(data))

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return &ProtocolError{Op: notif.Method, Err: fmt.Errorf("write notification to subprocess stdin: %w", err)}
	}
	return nil
}

// Close closes stdin, waits for the process to exit (killing it after
// ExitGrace), then stops the background goroutines. Calling Close more
// than once returns the first result. Close does not take the request
// mutex, so it unblocks an in-flight Send.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.shutdown()
	})
	return t.closeErr
}

func (t *StdioTransport) shutdown() error {
	t.closed.Store(true)
	pid := t.cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	t.stdin.Close()

	var killed bool
	select {
	case <-t.exited:
	case <-time.After(t.config.ExitGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
		_ = t.cmd.Process.Kill()
		killed = true
	}

	t.cancel()

	if !t.waitGoroutines(t.config.DrainTimeout) {
		// A grandchild may still hold the pipes open. Closing our read
		// ends unblocks the readers.
		t.logger.Warn("MCP background readers still running, closing pipes", "pid", pid)
		t.stdout.Close()
		t.stderr.Close()
		if !t.waitGoroutines(t.config.DrainTimeout) {
			t.logger.Warn("abandoning MCP background goroutines", "pid", pid)
			return nil
		}
	}
	t.stdout.Close()
	t.stderr.Close()

	if killed {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(t.waitErr, &exitErr) {
		// A non-zero exit after stdin closes is the server's business.
		t.logger.Debug("MCP subprocess exited", "pid", pid, "status", exitErr.ExitCode())
		return nil
	}
	return t.waitErr
}

func (t *StdioTransport) waitGoroutines(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
