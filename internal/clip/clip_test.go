package clip_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/fwtap/internal/clip"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func appendTo(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestExcerptCapturesOnlyNewContent(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "session.log")
	appendTo(t, log, "boot noise\n")

	c := clip.New(log)
	require.NoError(t, c.Mark())
	assert.EqualValues(t, len("boot noise\n"), c.Offset())

	appendTo(t, log, "step one\nstep one more\n")

	out := filepath.Join(dir, "excerpts", "step1.log")
	n, err := c.Excerpt(out)
	require.NoError(t, err)
	assert.EqualValues(t, len("step one\nstep one more\n"), n)
	assert.Equal(t, "step one\nstep one more\n", readFile(t, out),
		"content before the mark is excluded")
}

func TestExcerptAdvancesOffset(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "session.log")

	c := clip.New(log)
	appendTo(t, log, "first\n")

	out1 := filepath.Join(dir, "ex1.log")
	n, err := c.Excerpt(out1)
	require.NoError(t, err)
	assert.EqualValues(t, len("first\n"), n)
	assert.Equal(t, "first\n", readFile(t, out1))

	appendTo(t, log, "second\n")
	out2 := filepath.Join(dir, "ex2.log")
	n, err = c.Excerpt(out2)
	require.NoError(t, err)
	assert.EqualValues(t, len("second\n"), n)
	assert.Equal(t, "second\n", readFile(t, out2),
		"each excerpt continues where the previous one ended")
}

func TestExcerptEmptyWhenNothingNew(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "session.log")
	appendTo(t, log, "everything\n")

	c := clip.New(log)
	require.NoError(t, c.Mark())

	n, err := c.Excerpt(filepath.Join(dir, "empty.log"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, readFile(t, filepath.Join(dir, "empty.log")))
}

func TestExcerptAfterTruncationRestartsFromTop(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "session.log")
	appendTo(t, log, "a long first session segment\n")

	c := clip.New(log)
	require.NoError(t, c.Mark())

	// The log was rotated: same path, shorter content.
	require.NoError(t, os.WriteFile(log, []byte("fresh\n"), 0o644))

	out := filepath.Join(dir, "rotated.log")
	n, err := c.Excerpt(out)
	require.NoError(t, err)
	assert.EqualValues(t, len("fresh\n"), n)
	assert.Equal(t, "fresh\n", readFile(t, out))
}

func TestMarkMissingFile(t *testing.T) {
	c := clip.New(filepath.Join(t.TempDir(), "absent.log"))
	require.Error(t, c.Mark())

	_, err := c.Excerpt(filepath.Join(t.TempDir(), "out.log"))
	require.Error(t, err)
}
