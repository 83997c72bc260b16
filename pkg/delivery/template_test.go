package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	context := map[string]string{
		"name":  "Ada",
		"email": "ada@example.com",
	}

	tests := []struct {
		name     string
		text     string
		expected string
	}{
		{
			name:     "single placeholder",
			text:     "Hello {{name}}!",
			expected: "Hello Ada!",
		},
		{
			name:     "placeholder with whitespace",
			text:     "Hello {{ name }}!",
			expected: "Hello Ada!",
		},
		{
			name:     "multiple placeholders",
			text:     "{{name}} <{{email}}>",
			expected: "Ada <ada@example.com>",
		},
		{
			name:     "unknown placeholder renders empty",
			text:     "Hi {{nickname}}.",
			expected: "Hi .",
		},
		{
			name:     "no placeholders",
			text:     "plain text",
			expected: "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Render(tt.text, context))
		})
	}
}

func TestRenderNilContext(t *testing.T) {
	assert.Equal(t, "Hello !", Render("Hello {{name}}!", nil))
}
