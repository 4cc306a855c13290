package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/nugget/snapmark/internal/capture"
	"github.com/nugget/snapmark/internal/planner"
)

var (
	urlRe   = regexp.MustCompile(`https?://[^\s<>"'()]+`)
	emailRe = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	termRe  = regexp.MustCompile(`\b[a-z]{3,}\b`)
)

// techTerms is the vocabulary the heuristic analysis looks for in
// extracted text.
var techTerms = []string{
	"API", "HTML", "CSS", "JavaScript", "Python", "React", "Vue", "Angular",
	"Node.js", "Docker", "Kubernetes", "AWS", "Azure", "GCP", "database",
	"SQL", "JSON", "XML",
}

var techTermRes = func() []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(techTerms))
	for i, term := range techTerms {
		res[i] = regexp.MustCompile(`(?i)(^|[^A-Za-z0-9])` + regexp.QuoteMeta(term) + `($|[^A-Za-z0-9])`)
	}
	return res
}()

// descriptionTriggers classify the visual description. Any keyword in
// a trigger adds its row.
var descriptionTriggers = []struct {
	keywords []string
	row      []any
}{
	{[]string{"browser", "chrome"}, []any{"Application", "Web Browser", "VLM"}},
	{[]string{"code", "programming"}, []any{"Content Type", "Code/Programming", "VLM"}},
	{[]string{"dashboard", "interface"}, []any{"Content Type", "User Interface", "VLM"}},
}

// maxInstructionTerms caps the instruction terms checked by guided
// analysis.
const maxInstructionTerms = 5

// heuristicAnalysis builds the content analysis table without model
// guidance. The first row is the header.
func heuristicAnalysis(d capture.Data) [][]any {
	rows := [][]any{{"Content Type", "Details", "Source"}}

	if d.Text != "" {
		for _, u := range urlRe.FindAllString(d.Text, -1) {
			rows = append(rows, []any{"URL", strings.TrimRight(u, ".,;:!?"), "OCR"})
		}
		for _, e := range emailRe.FindAllString(d.Text, -1) {
			rows = append(rows, []any{"Email", e, "OCR"})
		}
		for i, re := range techTermRes {
			if re.MatchString(d.Text) {
				rows = append(rows, []any{"Technology", techTerms[i], "OCR"})
			}
		}
	}

	if d.Description != "" {
		desc := strings.ToLower(d.Description)
		for _, trig := range descriptionTriggers {
			for _, kw := range trig.keywords {
				if strings.Contains(desc, kw) {
					rows = append(rows, trig.row)
					break
				}
			}
		}
	}

	if len(rows) == 1 {
		if d.Text != "" {
			rows = append(rows, []any{"Text Content",
				fmt.Sprintf("OCR extracted %d characters", utf8.RuneCountInString(d.Text)), "OCR"})
		}
		if d.Description != "" {
			rows = append(rows, []any{"Visual Content", "Screenshot analyzed by vision model", "VLM"})
		}
	}
	return rows
}

// guidedAnalysis builds the content analysis table from a plan: its
// focus areas, the instruction terms found in the capture, and the
// high-priority actions. With none of those it carries the heuristic
// rows instead.
func guidedAnalysis(d capture.Data, plan *planner.Plan) [][]any {
	rows := [][]any{{"Analysis Type", "Details", "Method", "LLM Guidance"}}

	for _, area := range plan.ExcelStructure.FocusAreas {
		rows = append(rows, []any{"Focus Area", area, "LLM Recommended", "Yes"})
	}

	text := strings.ToLower(d.Text)
	desc := strings.ToLower(d.Description)
	for _, term := range instructionTerms(d.Instruction) {
		var found []string
		if strings.Contains(text, term) {
			found = append(found, "OCR")
		}
		if strings.Contains(desc, term) {
			found = append(found, "VLM")
		}
		if len(found) > 0 {
			rows = append(rows, []any{"Custom Term", term, strings.Join(found, ", "), "Prompt-driven"})
		}
	}

	for _, a := range plan.RecommendedActions {
		if a.Priority >= 8 {
			rows = append(rows, []any{"Recommended Action", a.Tool, a.Reasoning, fmt.Sprintf("Priority %d", a.Priority)})
		}
	}

	if len(rows) == 1 {
		for _, row := range heuristicAnalysis(d)[1:] {
			rows = append(rows, append(row[:len(row):len(row)], "Default Analysis"))
		}
	}
	return rows
}

// instructionTerms returns up to maxInstructionTerms distinct
// lowercase words of three or more letters, in order of appearance.
func instructionTerms(instruction string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, w := range termRe.FindAllString(strings.ToLower(instruction), -1) {
		if seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
		if len(terms) == maxInstructionTerms {
			break
		}
	}
	return terms
}
