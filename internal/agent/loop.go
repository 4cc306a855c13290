// Package agent implements the iterative tool-use loop used for
// instruction-driven tasks. Each iteration shows the model the task
// and the full step history, executes the tool calls it asks for, and
// stops when the model answers without calling a tool.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/snapmark/internal/llm"
)

// DefaultMaxSteps bounds the number of model round trips per task.
const DefaultMaxSteps = 30

// SystemPrompt frames the model as a tool-driving agent.
const SystemPrompt = `You are an Excel automation agent working with spreadsheet tools.
Use the available tools to complete the task. Call one tool at a time when
a later call depends on an earlier result. When the task is complete,
reply with a short summary of what you created and do not call any tool.`

// ErrMaxSteps is returned when the model is still calling tools after
// the step budget is spent. The partial Result is returned with it.
var ErrMaxSteps = errors.New("agent stopped: max steps reached")

// Tool is a callable offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Step records one tool invocation. Output is the unfiltered text.
type Step struct {
	Index     int
	Tool      string
	Arguments map[string]any
	Output    string
	Err       error
	Duration  time.Duration
}

// Result is the outcome of a Run.
type Result struct {
	Answer     string
	Steps      []Step
	Iterations int

	InputTokens  int
	OutputTokens int

	// Filter holds the originals of every observation that was shown
	// to the model in filtered form.
	Filter *ObservationFilter
}

// Runtime drives a completion client through the tool loop.
type Runtime struct {
	client   llm.Client
	model    string
	maxSteps int
	system   string
	logger   *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithMaxSteps overrides DefaultMaxSteps. Values below one are ignored.
func WithMaxSteps(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxSteps = n
		}
	}
}

// WithSystemPrompt replaces SystemPrompt.
func WithSystemPrompt(s string) Option {
	return func(r *Runtime) { r.system = s }
}

// WithLogger sets the runtime logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Runtime. A nil client yields a Runtime that reports
// itself unavailable.
func New(client llm.Client, model string, opts ...Option) *Runtime {
	r := &Runtime{
		client:   client,
		model:    model,
		maxSteps: DefaultMaxSteps,
		system:   SystemPrompt,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "agent")
	return r
}

// Available reports whether the runtime has a model to talk to.
func (r *Runtime) Available() bool {
	return r != nil && r.client != nil && r.model != ""
}

// turn is one assistant message plus the steps it triggered.
type turn struct {
	assistant llm.Message
	steps     []int // indexes into Result.Steps
	callIDs   []string
}

// Run executes task with the given context and tools. It returns
// ErrMaxSteps alongside the partial result when the budget runs out.
func (r *Runtime) Run(ctx context.Context, task string, entries []ContextEntry, tools []Tool) (*Result, error) {
	if !r.Available() {
		return nil, errors.New("agent runtime not available")
	}

	byName := make(map[string]Tool, len(tools))
	defs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
		defs = append(defs, llm.Tool(t.Name, t.Description, t.Parameters))
	}

	res := &Result{Filter: NewObservationFilter()}
	prompt := EnhanceTask(task, entries)
	var turns []turn

	r.logger.Info("agent task started", "model", r.model, "tools", len(tools), "max_steps", r.maxSteps)

	for iter := 0; iter < r.maxSteps; iter++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		msgs := r.buildMessages(prompt, turns, res)
		resp, err := r.client.Chat(ctx, r.model, msgs, defs)
		if err != nil {
			return res, fmt.Errorf("agent iteration %d: %w", iter, err)
		}
		res.Iterations++
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens

		if len(resp.Message.ToolCalls) == 0 {
			res.Answer = resp.Message.Content
			r.logger.Info("agent task completed",
				"iterations", res.Iterations,
				"steps", len(res.Steps),
				"input_tokens", res.InputTokens,
				"output_tokens", res.OutputTokens,
			)
			return res, nil
		}

		tr := turn{assistant: resp.Message}
		tr.assistant.Role = "assistant"
		for i := range tr.assistant.ToolCalls {
			tc := &tr.assistant.ToolCalls[i]
			if tc.ID == "" {
				tc.ID = fmt.Sprintf("call_%d", len(res.Steps))
			}
			step := r.execute(ctx, len(res.Steps), tc.Function, byName)
			res.Steps = append(res.Steps, step)
			tr.steps = append(tr.steps, step.Index)
			tr.callIDs = append(tr.callIDs, tc.ID)
		}
		turns = append(turns, tr)
	}

	r.logger.Warn("agent task hit step limit", "max_steps", r.maxSteps, "steps", len(res.Steps))
	return res, ErrMaxSteps
}

// buildMessages assembles the full conversation for one iteration.
// Every observation is passed through the filter again, not only the
// newest one.
func (r *Runtime) buildMessages(prompt string, turns []turn, res *Result) []llm.Message {
	msgs := []llm.Message{
		{Role: "system", Content: r.system},
		{Role: "user", Content: prompt},
	}
	for _, tr := range turns {
		msgs = append(msgs, tr.assistant)
		for i, idx := range tr.steps {
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    res.Filter.Filter(observation(res.Steps[idx]), idx),
				ToolCallID: tr.callIDs[i],
			})
		}
	}
	return msgs
}

func (r *Runtime) execute(ctx context.Context, index int, fn llm.FunctionCall, byName map[string]Tool) Step {
	step := Step{Index: index, Tool: fn.Name, Arguments: fn.Arguments}
	if step.Arguments == nil {
		step.Arguments = map[string]any{}
	}

	t, ok := byName[fn.Name]
	if !ok || t.Handler == nil {
		step.Err = fmt.Errorf("unknown tool %q", fn.Name)
		r.logger.Warn("model called unknown tool", "tool", fn.Name, "step", index)
		return step
	}

	start := time.Now()
	step.Output, step.Err = t.Handler(ctx, step.Arguments)
	step.Duration = time.Since(start)

	if step.Err != nil {
		r.logger.Warn("tool call failed", "tool", fn.Name, "step", index, "error", step.Err)
	} else {
		r.logger.Debug("tool call completed", "tool", fn.Name, "step", index,
			"output_len", len(step.Output), "elapsed", step.Duration.Round(time.Millisecond))
	}
	return step
}

// observation is what the model sees for a step before filtering.
func observation(s Step) string {
	if s.Err != nil {
		return "Error: " + s.Err.Error()
	}
	return s.Output
}
