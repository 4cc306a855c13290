package agent

import (
	"strings"
	"testing"
)

func TestEnhanceTask_NoContext(t *testing.T) {
	if got := EnhanceTask("summarize", nil); got != "summarize" {
		t.Errorf("EnhanceTask = %q", got)
	}
}

func TestEnhanceTask_ElidesLongValues(t *testing.T) {
	long := strings.Repeat("o", 250)
	got := EnhanceTask("extract totals", []ContextEntry{
		{Key: "image_path", Value: "/shots/a.png"},
		{Key: "ocr_text", Value: long},
		{Key: "timestamp", Value: 1712345678.5},
	})

	want := "extract totals\n\nContext:\n" +
		"- image_path: /shots/a.png\n" +
		"- ocr_text: " + strings.Repeat("o", 200) + "... [50 more characters]\n" +
		"- timestamp: 1.7123456785e+09\n"
	if got != want {
		t.Errorf("EnhanceTask =\n%q\nwant\n%q", got, want)
	}
}

func TestEnhanceTask_ExactlyAtCap(t *testing.T) {
	v := strings.Repeat("x", 200)
	got := EnhanceTask("t", []ContextEntry{{Key: "k", Value: v}})
	if strings.Contains(got, "more characters") {
		t.Error("a 200-character value should not be elided")
	}
}
