package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/nugget/snapmark/internal/capture"
	"github.com/nugget/snapmark/internal/mcp"
	"github.com/nugget/snapmark/internal/planner"
)

// Spreadsheet tools the recipe drives.
const (
	toolCreateWorkbook  = "create_workbook"
	toolCreateWorksheet = "create_worksheet"
	toolWriteData       = "write_data_to_excel"
	toolFormatRange     = "format_range"
)

// Sheet names the recipe writes to.
const (
	sheetMetadata    = "Sheet"
	sheetText        = "OCR Text"
	sheetDescription = "VLM Description"
	sheetAnalysis    = "Content Analysis"
)

// defaultWorksheets are created when no plan names any.
var defaultWorksheets = []string{sheetText, sheetDescription, sheetAnalysis}

const displayTime = "2006-01-02 15:04:05"

// ToolCallResult records one tools/call made by the recipe.
type ToolCallResult struct {
	Tool   string          `json:"tool"`
	Sheet  string          `json:"sheet,omitempty"`
	Result json.RawMessage `json:"result"`
}

// RecipeResult aggregates a recipe run.
type RecipeResult struct {
	ToolResults  []ToolCallResult `json:"tool_results"`
	FilesCreated []string         `json:"files_created"`
	Summary      string           `json:"summary"`
	LLMGuidance  bool             `json:"llm_guidance"`
	CustomPrompt string           `json:"custom_prompt,omitempty"`
	ExportPath   string           `json:"export_path,omitempty"`
}

// toolCaller is the part of *mcp.Session the recipe uses.
type toolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	State() mcp.State
}

// recipe is one run of the spreadsheet recipe against a ready session.
type recipe struct {
	o      *Orchestrator
	caller toolCaller
	tools  map[string]bool
	log    *slog.Logger
	res    *RecipeResult

	// broken is set once the session can no longer serve calls.
	broken error
}

// runRecipe drives the spreadsheet tools over caller. Every step is
// skipped when its tool is missing, and a failed step never stops the
// steps after it. Only an unusable export root, or a session that is
// torn down mid-run, fails the recipe as a whole.
func (o *Orchestrator) runRecipe(ctx context.Context, caller toolCaller, tools []mcp.ToolDefinition, d capture.Data, plan *planner.Plan, log *slog.Logger) (*RecipeResult, error) {
	r := &recipe{
		o:      o,
		caller: caller,
		tools:  make(map[string]bool, len(tools)),
		log:    log,
		res: &RecipeResult{
			ToolResults:  []ToolCallResult{},
			FilesCreated: []string{},
			LLMGuidance:  plan != nil,
			CustomPrompt: d.Instruction,
		},
	}
	for _, t := range tools {
		r.tools[t.Name] = true
	}

	path, err := o.exportPath(d)
	if err != nil {
		return nil, err
	}
	r.res.ExportPath = path

	// 1. workbook
	if r.call(ctx, toolCreateWorkbook, "", map[string]any{"filepath": path}) {
		r.res.FilesCreated = append(r.res.FilesCreated, path)
	}

	// 2. worksheets
	worksheets := defaultWorksheets
	if plan != nil && len(plan.ExcelStructure.Worksheets) > 0 {
		worksheets = plan.ExcelStructure.Worksheets
	}
	for _, sheet := range worksheets {
		r.call(ctx, toolCreateWorksheet, sheet, map[string]any{
			"filepath":   path,
			"sheet_name": sheet,
		})
	}

	// 3. data
	var written []string
	write := func(sheet string, rows [][]any) {
		ok := r.call(ctx, toolWriteData, sheet, map[string]any{
			"filepath":   path,
			"sheet_name": sheet,
			"data":       rows,
			"start_cell": "A1",
		})
		if ok {
			written = append(written, sheet)
		}
	}

	write(sheetMetadata, o.metadataRows(d, plan != nil))
	if d.Text != "" {
		write(sheetText, [][]any{{"OCR Text Content"}, {d.Text}})
	}
	if d.Description != "" {
		write(sheetDescription, [][]any{{"VLM Description Content"}, {d.Description}})
	}
	if plan != nil {
		write(sheetAnalysis, guidedAnalysis(d, plan))
	} else {
		write(sheetAnalysis, heuristicAnalysis(d))
	}

	// 4. header formatting
	for _, sheet := range written {
		r.call(ctx, toolFormatRange, sheet, map[string]any{
			"filepath":   path,
			"sheet_name": sheet,
			"start_cell": "A1",
			"end_cell":   "Z1",
			"bold":       true,
			"bg_color":   "366092",
			"font_color": "FFFFFF",
		})
	}

	if r.broken != nil {
		return nil, r.broken
	}

	guidance := ""
	if plan != nil {
		guidance = " (with LLM guidance)"
	}
	r.res.Summary = fmt.Sprintf("Successfully processed screenshot data%s and created Excel file with %d operations",
		guidance, len(r.res.ToolResults))

	log.Info("recipe completed",
		"export_path", path,
		"operations", len(r.res.ToolResults),
		"llm_guidance", plan != nil,
	)
	return r.res, nil
}

// call invokes tool when the server offers it and records the result.
// It reports whether the call succeeded.
func (r *recipe) call(ctx context.Context, tool, sheet string, args map[string]any) bool {
	if !r.tools[tool] || r.broken != nil {
		return false
	}

	raw, err := r.caller.CallTool(ctx, tool, args)
	r.o.metrics.ToolCall(tool, err == nil)
	if err == nil {
		r.res.ToolResults = append(r.res.ToolResults, ToolCallResult{Tool: tool, Sheet: sheet, Result: raw})
		return true
	}

	var toolErr *mcp.ToolError
	if errors.As(err, &toolErr) {
		r.log.Warn("tool call failed", "tool", tool, "sheet", sheet, "error", string(toolErr.Payload))
		r.record(tool, sheet, toolErr.Payload)
		return false
	}

	r.log.Error("tool call failed", "tool", tool, "sheet", sheet, "error", err)
	msg, _ := json.Marshal(err.Error())
	r.record(tool, sheet, msg)
	if st := r.caller.State(); st != mcp.StateReady {
		r.log.Warn("session no longer usable, skipping remaining steps", "state", st.String())
		r.broken = err
	}
	return false
}

// record appends a failed call as {"error": payload}.
func (r *recipe) record(tool, sheet string, payload json.RawMessage) {
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	}
	result, _ := json.Marshal(map[string]json.RawMessage{"error": payload})
	r.res.ToolResults = append(r.res.ToolResults, ToolCallResult{Tool: tool, Sheet: sheet, Result: result})
}

// exportPath returns the absolute workbook path for d under the export
// root, creating the root if needed.
func (o *Orchestrator) exportPath(d capture.Data) (string, error) {
	dir, err := filepath.Abs(o.cfg.ExportDir)
	if err != nil {
		return "", &mcp.ExportError{Path: o.cfg.ExportDir, Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &mcp.ExportError{Path: dir, Err: err}
	}
	return filepath.Join(dir, d.Stem()+"_data.xlsx"), nil
}

func (o *Orchestrator) metadataRows(d capture.Data, guided bool) [][]any {
	original := "unknown"
	if !d.Timestamp.IsZero() {
		original = d.Timestamp.Local().Format(displayTime)
	}
	rows := [][]any{
		{"Field", "Value"},
		{"Timestamp", o.now().Format(displayTime)},
		{"Image Path", d.ImagePath},
		{"Markdown Path", d.NotePath},
		{"Original Timestamp", original},
		{"OCR Text Length", runeLen(d.Text)},
		{"Has VLM Description", yesNo(d.Description != "")},
		{"VLM Description Length", runeLen(d.Description)},
		{"Custom Prompt Used", yesNo(d.Instruction != "")},
		{"LLM Guidance Applied", yesNo(guided)},
	}
	if d.NoteTitle != "" {
		rows = append(rows, []any{"Note Title", d.NoteTitle})
	}
	return rows
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

var _ toolCaller = (*mcp.Session)(nil)
