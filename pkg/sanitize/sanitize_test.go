package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "photo.png", "photo.png"},
		{"traversal", "../../etc/passwd", "etc/passwd"},
		{"windows traversal", "..\\secret.txt", "secret.txt"},
		{"control characters", "re\x00port\x1f.pdf", "report.pdf"},
		{"whitespace", "  notes.txt ", "notes.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestMessageText(t *testing.T) {
	assert.Equal(t, "hello\nworld", MessageText("  hello\nworld \x07"))
	assert.Equal(t, "a\tb", MessageText("a\tb\x00"))
	assert.Equal(t, "", MessageText("\x1b\x1b  "))
}
