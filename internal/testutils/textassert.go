package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TextAssertOptions controls how text is normalized before comparison.
type TextAssertOptions struct {
	IgnoreLeadingWhitespace  bool `default:"false"`
	IgnoreTrailingWhitespace bool `default:"false"`
	IgnoreEmptyLines         bool `default:"false"`
	TrimSpace                bool `default:"false"`
	EnableColors             bool `default:"false"`
}

// TextOption adjusts TextAssertOptions.
type TextOption func(*TextAssertOptions)

// TextAsserter compares blocks of text and reports mismatches as a
// unified diff, which reads far better than assert.Equal on multi-line
// console output.
type TextAsserter struct {
	t       *testing.T
	options TextAssertOptions
}

func NewTextAsserter(t *testing.T) *TextAsserter {
	opts := TextAssertOptions{}
	defaults.SetDefaults(&opts)
	return &TextAsserter{t: t, options: opts}
}

func (ta *TextAsserter) WithOptions(opts ...TextOption) *TextAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

// Assert fails the test with a unified diff when actual does not match
// expected after normalization.
func (ta *TextAsserter) Assert(actual, expected string) {
	ta.t.Helper()
	if diff := ta.diff(actual, expected); diff != "" {
		ta.t.Errorf("text mismatch (-expected +actual):\n%s", diff)
	}
}

func (ta *TextAsserter) diff(actual, expected string) string {
	exp := ta.normalize(expected)
	act := ta.normalize(actual)
	if exp == act {
		return ""
	}
	edits := myers.ComputeEdits("", exp, act)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", exp, edits))
	return ta.colorize(unified)
}

func (ta *TextAsserter) normalize(text string) string {
	if ta.options.TrimSpace {
		text = strings.TrimSpace(text)
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if ta.options.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		if ta.options.IgnoreLeadingWhitespace {
			line = strings.TrimLeft(line, " \t")
		}
		if ta.options.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t")
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// colorize paints the unified diff when EnableColors is set. Colors are
// forced on because test output is rarely a terminal.
func (ta *TextAsserter) colorize(diff string) string {
	if !ta.options.EnableColors {
		return diff
	}
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(markWhitespace(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(markWhitespace(line))
		}
	}
	return strings.Join(lines, "\n")
}

// markWhitespace makes spaces and tabs visible inside changed lines, so
// whitespace-only differences do not render as identical text.
func markWhitespace(line string) string {
	line = strings.ReplaceAll(line, " ", "·")
	return strings.ReplaceAll(line, "\t", "→")
}

// WithIgnoreLeadingWhitespace ignores indentation on every line.
func WithIgnoreLeadingWhitespace(ignore bool) TextOption {
	return func(opts *TextAssertOptions) { opts.IgnoreLeadingWhitespace = ignore }
}

// WithIgnoreTrailingWhitespace ignores trailing spaces and tabs on every line.
func WithIgnoreTrailingWhitespace(ignore bool) TextOption {
	return func(opts *TextAssertOptions) { opts.IgnoreTrailingWhitespace = ignore }
}

// WithIgnoreEmptyLines drops blank lines from both sides.
func WithIgnoreEmptyLines(ignore bool) TextOption {
	return func(opts *TextAssertOptions) { opts.IgnoreEmptyLines = ignore }
}

// WithTrimSpace trims leading and trailing whitespace from the whole text.
func WithTrimSpace(trim bool) TextOption {
	return func(opts *TextAssertOptions) { opts.TrimSpace = trim }
}

// WithEnableColors colorizes the diff output.
func WithEnableColors(enable bool) TextOption {
	return func(opts *TextAssertOptions) { opts.EnableColors = enable }
}
