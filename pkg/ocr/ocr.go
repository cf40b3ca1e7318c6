// Package ocr extracts printed text from images using Tesseract.
package ocr

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultHints are the Tesseract language packs loaded for every image:
// English, Spanish, French, Hindi, Japanese and Bengali.
var DefaultHints = []string{"eng", "spa", "fra", "hin", "jpn", "ben"}

// Recognizer turns an image file into text. An image without text yields
// an empty string and a nil error.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, imagePath string, hints []string) (string, error)
}

// Error reports that the engine failed or could not be invoked.
type Error struct {
	Engine string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ocr %s: %v", e.Engine, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Normalize drops the page separator tesseract appends and composes the
// text to NFC. Whitespace is otherwise kept verbatim; whitespace-only
// output collapses to "" (no text).
func Normalize(raw string) string {
	text := strings.ReplaceAll(raw, "\f", "")
	if strings.TrimSpace(text) == "" {
		return ""
	}
	return norm.NFC.String(text)
}

func hintsOrDefault(hints []string) []string {
	if len(hints) == 0 {
		return DefaultHints
	}
	return hints
}
