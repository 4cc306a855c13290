// Package planner asks a completion model how to lay out a capture in
// a spreadsheet. Planning is advisory: every failure falls back to a
// fixed default plan so processing always continues.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// SystemPrompt frames every planning request.
const SystemPrompt = "You are an Excel automation expert. Always respond with valid JSON."

// contextCap is the number of characters of extracted text and of the
// description included in a planning prompt.
const contextCap = 500

// Priority bounds for recommended actions.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Action is one recommended tool use.
type Action struct {
	Tool       string         `json:"tool"`
	Reasoning  string         `json:"reasoning"`
	Priority   int            `json:"priority"`
	Parameters map[string]any `json:"parameters"`
}

// UnmarshalJSON accepts a priority given as a number or a numeric
// string. Models produce both.
func (a *Action) UnmarshalJSON(data []byte) error {
	type alias Action
	var raw struct {
		alias
		Priority json.RawMessage `json:"priority"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Action(raw.alias)
	a.Priority = 0
	if len(raw.Priority) == 0 || string(raw.Priority) == "null" {
		return nil
	}

	var f float64
	if err := json.Unmarshal(raw.Priority, &f); err == nil {
		a.Priority = int(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Priority, &s); err != nil {
		return fmt.Errorf("priority: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("priority %q is not a number", s)
	}
	a.Priority = n
	return nil
}

// ExcelStructure suggests the workbook layout.
type ExcelStructure struct {
	Worksheets []string `json:"worksheets"`
	FocusAreas []string `json:"focus_areas"`
}

// Plan is the planner's answer.
type Plan struct {
	RecommendedActions []Action       `json:"recommended_actions"`
	ExcelStructure     ExcelStructure `json:"excel_structure"`

	// FromModel is true when the plan came from a completion rather
	// than Default.
	FromModel bool `json:"-"`
}

// Default returns the deterministic plan used whenever no model plan
// is available.
func Default() *Plan {
	return &Plan{
		RecommendedActions: []Action{
			{
				Tool:       "create_workbook",
				Reasoning:  "Create Excel workbook for screenshot data",
				Priority:   10,
				Parameters: map[string]any{},
			},
			{
				Tool:       "write_data_to_excel",
				Reasoning:  "Write screenshot metadata and content",
				Priority:   8,
				Parameters: map[string]any{},
			},
		},
		ExcelStructure: ExcelStructure{
			Worksheets: []string{"Screenshot Data", "OCR Text", "Analysis"},
			FocusAreas: []string{"metadata", "text_content", "visual_analysis"},
		},
	}
}

// Completer is a text completion capability.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Context is the capture content shown to the model.
type Context struct {
	Text        string
	Description string
}

// PlanningError wraps a failed completion or an unparseable answer.
// It is logged and never returned to Plan's callers.
type PlanningError struct {
	Stage string // "completion" or "parse"
	Err   error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning %s failed: %v", e.Stage, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithFallbackHook registers a function called with the PlanningError
// each time Plan falls back to the default.
func WithFallbackHook(fn func(error)) Option {
	return func(p *Planner) { p.onFallback = fn }
}

// Planner requests plans from a Completer. A nil Completer means no
// model is configured.
type Planner struct {
	completer  Completer
	logger     *slog.Logger
	onFallback func(error)
}

// New creates a Planner.
func New(c Completer, opts ...Option) *Planner {
	p := &Planner{completer: c, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Available reports whether a completion model is configured.
func (p *Planner) Available() bool {
	return p != nil && p.completer != nil
}

// Plan returns a plan for the instruction. Without an instruction or a
// Completer it returns Default without any external call. A single
// completion is attempted; any failure is logged and Default returned.
// The result is never nil.
func (p *Planner) Plan(ctx context.Context, instruction string, tools []string, pc Context) *Plan {
	if strings.TrimSpace(instruction) == "" || !p.Available() {
		return Default()
	}

	prompt := BuildPrompt(instruction, tools, pc)
	p.logger.Debug("requesting action plan", "tools", len(tools), "prompt_len", len(prompt))

	text, err := p.completer.Complete(ctx, SystemPrompt, prompt)
	if err != nil {
		return p.fallback(&PlanningError{Stage: "completion", Err: err})
	}

	plan, err := Parse(text)
	if err != nil {
		return p.fallback(&PlanningError{Stage: "parse", Err: err})
	}

	p.logger.Info("action plan received",
		"actions", len(plan.RecommendedActions),
		"worksheets", plan.ExcelStructure.Worksheets,
	)
	return plan
}

func (p *Planner) fallback(err error) *Plan {
	p.logger.Warn("action planning failed, using default plan", "error", err)
	if p.onFallback != nil {
		p.onFallback(err)
	}
	return Default()
}

// Parse decodes a model answer into a Plan. Markdown code fences are
// stripped and priorities are clamped to [MinPriority, MaxPriority].
func Parse(text string) (*Plan, error) {
	body := StripCodeFence(text)
	if body == "" {
		return nil, fmt.Errorf("empty response")
	}

	var plan Plan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	for i := range plan.RecommendedActions {
		plan.RecommendedActions[i].Priority = clamp(plan.RecommendedActions[i].Priority)
	}
	plan.FromModel = true
	return &plan, nil
}

func clamp(n int) int {
	return max(MinPriority, min(MaxPriority, n))
}

// StripCodeFence removes a surrounding Markdown code fence, with or
// without a language tag.
func StripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
		s = s[4:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// BuildPrompt renders the planning request.
func BuildPrompt(instruction string, tools []string, pc Context) string {
	var b strings.Builder
	b.WriteString("You are an AI assistant helping to process screenshot data using Excel MCP tools.\n\n")
	fmt.Fprintf(&b, "Available tools: %s\n\n", strings.Join(tools, ", "))
	b.WriteString("Screenshot context:\n")
	fmt.Fprintf(&b, "- OCR Text: %s\n", capText(pc.Text))
	fmt.Fprintf(&b, "- VLM Description: %s\n", capText(pc.Description))
	fmt.Fprintf(&b, "- Custom Request: %s\n\n", instruction)
	b.WriteString("Based on the custom request and screenshot content, recommend specific actions using the available Excel tools.\n")
	b.WriteString(`Respond with a JSON object containing:
{
    "recommended_actions": [
        {
            "tool": "tool_name",
            "reasoning": "why this tool should be used",
            "priority": 1-10,
            "parameters": {"key": "suggested values"}
        }
    ],
    "excel_structure": {
        "worksheets": ["suggested worksheet names"],
        "focus_areas": ["key areas to focus on"]
    }
}
`)
	return b.String()
}

// capText keeps the first contextCap characters, marking a cut with an
// ellipsis.
func capText(s string) string {
	r := []rune(s)
	if len(r) <= contextCap {
		return s
	}
	return string(r[:contextCap]) + "..."
}
