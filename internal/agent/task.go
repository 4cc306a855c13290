package agent

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// contextValueCap is the longest context value passed to the model
// verbatim.
const contextValueCap = 200

// ContextEntry is one named piece of task context. Order is preserved
// in the prompt.
type ContextEntry struct {
	Key   string
	Value any
}

// EnhanceTask appends the context entries to task as a bullet list.
// String values longer than 200 characters are cut and followed by a
// marker naming how much was left out.
func EnhanceTask(task string, entries []ContextEntry) string {
	if len(entries) == 0 {
		return task
	}

	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\nContext:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s: %s\n", e.Key, elide(e.Value))
	}
	return b.String()
}

func elide(v any) string {
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	n := utf8.RuneCountInString(s)
	if n <= contextValueCap {
		return s
	}
	return fmt.Sprintf("%s... [%d more characters]", headRunes(s, contextValueCap), n-contextValueCap)
}
