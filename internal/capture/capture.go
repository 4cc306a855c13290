// Package capture holds the data produced by one screen capture: the
// image, its note, the extracted text and the optional description and
// instruction that drive tool-server processing.
package capture

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Data is one capture. Only ImagePath is required.
type Data struct {
	ImagePath   string
	NotePath    string
	Text        string // extracted text, may be empty
	Description string // narrative description, optional
	Instruction string // free-form user instruction, optional

	// Timestamp is the image modification time, zero when the image
	// could not be stat'ed.
	Timestamp time.Time

	// NoteTitle is the first heading of the note, if any.
	NoteTitle string
}

// Load builds Data for imagePath, stamping it with the image mtime and
// reading the note title when notePath is set. A missing image is not
// an error: servers may still accept the text. An unreadable note is.
func Load(imagePath, notePath string) (Data, error) {
	d := Data{ImagePath: imagePath, NotePath: notePath}

	if fi, err := os.Stat(imagePath); err == nil {
		d.Timestamp = fi.ModTime()
	}

	if notePath != "" {
		src, err := os.ReadFile(notePath)
		if err != nil {
			return d, fmt.Errorf("read note: %w", err)
		}
		d.NoteTitle = NoteTitle(src)
	}
	return d, nil
}

// Stem is the image file name without directory or extension.
func (d Data) Stem() string {
	base := filepath.Base(d.ImagePath)
	if base == "." || base == string(filepath.Separator) {
		return "capture"
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// UnixTimestamp returns the capture time as fractional Unix seconds, or
// 0 when unknown.
func (d Data) UnixTimestamp() float64 {
	if d.Timestamp.IsZero() {
		return 0
	}
	return float64(d.Timestamp.UnixNano()) / 1e9
}

// Payload is the JSON object handed to custom-strategy servers. Empty
// optional fields are null.
func (d Data) Payload() map[string]any {
	return map[string]any{
		"image_path":      d.ImagePath,
		"markdown_path":   d.NotePath,
		"ocr_text":        d.Text,
		"vlm_description": nullable(d.Description),
		"custom_prompt":   nullable(d.Instruction),
		"timestamp":       d.UnixTimestamp(),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// NoteTitle returns the text of the first level-one heading in a
// Markdown note, falling back to the first heading of any level.
func NoteTitle(src []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var first, top string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		title := headingText(h, src)
		if first == "" {
			first = title
		}
		if h.Level == 1 {
			top = title
			return ast.WalkStop, nil
		}
		return ast.WalkSkipChildren, nil
	})

	if top != "" {
		return top
	}
	return first
}

func headingText(h *ast.Heading, src []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(h, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if t, ok := n.(*ast.Text); ok {
				buf.Write(t.Segment.Value(src))
				if t.SoftLineBreak() || t.HardLineBreak() {
					buf.WriteByte(' ')
				}
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}
