package agent

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

// Thresholds for observation filtering, in characters.
const (
	imageFilterMin    = 1000
	imageSignatureWin = 100
	dataFilterMin     = 5000
	dataKeep          = 200
)

// imageSignatures are the base64 prefixes of PNG, JPEG, GIF and WEBP.
var imageSignatures = []string{"iVBORw0KGg", "/9j/", "R0lGOD", "UklGR"}

var base64Run = regexp.MustCompile(`[A-Za-z0-9+/]{500,}`)

// ObservationFilter shrinks tool output that would flood the model's
// context with encoded binary data. Originals are kept by step index.
type ObservationFilter struct {
	mu   sync.Mutex
	full map[int]string
}

// NewObservationFilter returns an empty filter.
func NewObservationFilter() *ObservationFilter {
	return &ObservationFilter{full: make(map[int]string)}
}

// Filter returns the text to show the model for the output of step.
// Image payloads become a placeholder; other large outputs holding a
// long base64 run are cut to their first 200 characters plus a marker.
// Anything else passes through unchanged.
func (f *ObservationFilter) Filter(text string, step int) string {
	n := utf8.RuneCountInString(text)

	if n > imageFilterMin && hasImageSignature(text) {
		f.keep(step, text)
		return fmt.Sprintf("[Large image data filtered - %d bytes. Successfully read image at step %d]", len(text), step)
	}

	if n >= dataFilterMin && base64Run.MatchString(text) {
		f.keep(step, text)
		return headRunes(text, dataKeep) + truncationMarker(n-dataKeep)
	}

	return text
}

// Full returns the original output of step if it was filtered.
func (f *ObservationFilter) Full(step int) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.full[step]
	return s, ok
}

// Len reports how many observations have been filtered.
func (f *ObservationFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.full)
}

func (f *ObservationFilter) keep(step int, text string) {
	f.mu.Lock()
	f.full[step] = text
	f.mu.Unlock()
}

func truncationMarker(n int) string {
	return fmt.Sprintf("\n[... truncated %d characters of data. Full content preserved for final processing]", n)
}

func hasImageSignature(text string) bool {
	head := headRunes(text, imageSignatureWin)
	for _, sig := range imageSignatures {
		if strings.Contains(head, sig) {
			return true
		}
	}
	return false
}

// headRunes returns the first n runes of s.
func headRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
