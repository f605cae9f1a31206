package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextAsserterExactByDefault(t *testing.T) {
	ta := NewTextAsserter(t)
	assert.Empty(t, ta.diff("hello\nworld", "hello\nworld"))
	assert.NotEmpty(t, ta.diff("  hello", "hello"), "whitespace counts unless an option says otherwise")
}

func TestTextAsserterNormalization(t *testing.T) {
	tests := []struct {
		name     string
		opt      TextOption
		actual   string
		expected string
	}{
		{"leading whitespace", WithIgnoreLeadingWhitespace(true), "  hello\n\tworld", "hello\nworld"},
		{"trailing whitespace", WithIgnoreTrailingWhitespace(true), "hello  \nworld\t", "hello\nworld"},
		{"empty lines", WithIgnoreEmptyLines(true), "hello\n\n\nworld\n", "hello\nworld"},
		{"trim space", WithTrimSpace(true), "  hello\nworld  ", "hello\nworld"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relaxed := NewTextAsserter(t).WithOptions(tt.opt)
			assert.Empty(t, relaxed.diff(tt.actual, tt.expected))

			strict := NewTextAsserter(t)
			assert.NotEmpty(t, strict.diff(tt.actual, tt.expected))
		})
	}
}

func TestTextAsserterDiffNamesChangedLines(t *testing.T) {
	ta := NewTextAsserter(t)
	diff := ta.diff("line1\nline2 actual", "line1\nline2 expected")
	assert.Contains(t, diff, "-line2 expected")
	assert.Contains(t, diff, "+line2 actual")
	assert.NotContains(t, diff, "-line1", "unchanged lines are context, not edits")
}

func TestTextAsserterColorizedDiff(t *testing.T) {
	ta := NewTextAsserter(t).WithOptions(WithEnableColors(true))
	diff := ta.diff("tab\there", "space here")
	assert.Contains(t, diff, "\x1b[", "colors are forced on even off-terminal")
	assert.Contains(t, diff, "→", "tabs in changed lines are made visible")
	assert.Contains(t, diff, "·", "spaces in changed lines are made visible")
}

func TestTextAsserterAssertPassesOnMatch(t *testing.T) {
	// Assert on equal input must not fail the test.
	NewTextAsserter(t).WithOptions(WithTrimSpace(true)).Assert(" same\n", "same")
}
