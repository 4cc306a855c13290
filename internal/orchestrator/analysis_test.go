package orchestrator

import (
	"fmt"
	"slices"
	"testing"

	"github.com/nugget/snapmark/internal/capture"
	"github.com/nugget/snapmark/internal/planner"
)

// rowStrings flattens rows to "a|b|c" strings, skipping the header.
func rowStrings(rows [][]any) []string {
	var out []string
	for _, r := range rows[1:] {
		s := ""
		for i, c := range r {
			if i > 0 {
				s += "|"
			}
			s += fmt.Sprint(c)
		}
		out = append(out, s)
	}
	return out
}

func TestHeuristicAnalysis(t *testing.T) {
	tests := []struct {
		name string
		data capture.Data
		want []string
	}{
		{
			name: "urls emails and tech terms",
			data: capture.Data{Text: "Docs at https://example.com/api. Mail ops@example.org about the JSON API."},
			want: []string{
				"URL|https://example.com/api|OCR",
				"Email|ops@example.org|OCR",
				"Technology|API|OCR",
				"Technology|JSON|OCR",
			},
		},
		{
			name: "tech terms need word boundaries",
			data: capture.Data{Text: "a Pythonic rapid graph"},
			want: []string{"Text Content|OCR extracted 22 characters|OCR"},
		},
		{
			name: "node.js and case folding",
			data: capture.Data{Text: "deployed with node.js and DOCKER"},
			want: []string{"Technology|Node.js|OCR", "Technology|Docker|OCR"},
		},
		{
			name: "description triggers",
			data: capture.Data{Description: "A Chrome window showing a code editor next to a dashboard"},
			want: []string{
				"Application|Web Browser|VLM",
				"Content Type|Code/Programming|VLM",
				"Content Type|User Interface|VLM",
			},
		},
		{
			name: "generic fallback",
			data: capture.Data{Text: "plain words", Description: "a photo of a cat"},
			want: []string{
				"Text Content|OCR extracted 11 characters|OCR",
				"Visual Content|Screenshot analyzed by vision model|VLM",
			},
		},
		{
			name: "nothing at all",
			data: capture.Data{},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := heuristicAnalysis(tt.data)
			if len(rows[0]) != 3 || rows[0][0] != "Content Type" {
				t.Errorf("header = %v", rows[0])
			}
			if got := rowStrings(rows); !slices.Equal(got, tt.want) {
				t.Errorf("rows = %q\nwant  %q", got, tt.want)
			}
		})
	}
}

func TestGuidedAnalysis(t *testing.T) {
	d := capture.Data{
		Text:        "Revenue grew in Q3",
		Description: "a revenue chart",
		Instruction: "Extract the revenue numbers",
	}
	rows := guidedAnalysis(d, planner.Default())

	want := []string{
		"Focus Area|metadata|LLM Recommended|Yes",
		"Focus Area|text_content|LLM Recommended|Yes",
		"Focus Area|visual_analysis|LLM Recommended|Yes",
		"Custom Term|revenue|OCR, VLM|Prompt-driven",
		"Recommended Action|create_workbook|Create Excel workbook for screenshot data|Priority 10",
		"Recommended Action|write_data_to_excel|Write screenshot metadata and content|Priority 8",
	}
	if got := rowStrings(rows); !slices.Equal(got, want) {
		t.Errorf("rows = %q\nwant  %q", got, want)
	}
	if len(rows[0]) != 4 {
		t.Errorf("header = %v", rows[0])
	}
}

func TestGuidedAnalysis_FallsBackToHeuristic(t *testing.T) {
	plan := &planner.Plan{
		RecommendedActions: []planner.Action{{Tool: "format_range", Priority: 3}},
	}
	rows := guidedAnalysis(capture.Data{Text: "see the SQL"}, plan)

	want := []string{"Technology|SQL|OCR|Default Analysis"}
	if got := rowStrings(rows); !slices.Equal(got, want) {
		t.Errorf("rows = %q, want %q", got, want)
	}
}

func TestInstructionTerms(t *testing.T) {
	got := instructionTerms("Put the totals in a table, then the totals by month and year into excel please")
	want := []string{"put", "the", "totals", "table", "then"}
	if !slices.Equal(got, want) {
		t.Errorf("terms = %v, want %v", got, want)
	}
	if got := instructionTerms("a b 12 ok"); len(got) != 0 {
		t.Errorf("short words = %v", got)
	}
}
