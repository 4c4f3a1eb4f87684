package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var filenameControl = regexp.MustCompile(`[\x00-\x1f\x7f]`)

// SanitizeFilename strips path traversal and control characters from an
// uploaded file name
func SanitizeFilename(filename string) string {
	filename = strings.TrimSpace(filename)
	for _, seq := range []string{"../", "./", "..\\", ".\\"} {
		filename = strings.ReplaceAll(filename, seq, "")
	}
	return filenameControl.ReplaceAllString(filename, "")
}

// MessageText trims chat text and drops control characters other than
// newlines and tabs
func MessageText(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
