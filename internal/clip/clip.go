// Package clip extracts per-step excerpts out of a growing session log.
// A Clipper remembers how far the log had grown the last time it looked;
// Excerpt copies only what was written since then.
package clip

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Clipper tracks an offset into one log file.
type Clipper struct {
	mu     sync.Mutex
	path   string
	offset int64
}

// New returns a clipper over path starting at offset zero, so the first
// Excerpt captures the file from its beginning.
func New(path string) *Clipper {
	return &Clipper{path: path}
}

// NewAt returns a clipper resuming from a previously saved offset, for
// callers that persist the mark across processes. A negative offset is
// treated as zero.
func NewAt(path string, offset int64) *Clipper {
	if offset < 0 {
		offset = 0
	}
	return &Clipper{path: path, offset: offset}
}

// Mark advances the offset to the current end of the file. Content before
// the mark never appears in a later excerpt.
func (c *Clipper) Mark() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fi, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("mark %s: %w", c.path, err)
	}
	c.offset = fi.Size()
	return nil
}

// Offset returns the current excerpt start position.
func (c *Clipper) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Excerpt copies everything written since the last Mark/Excerpt into dst,
// creating parent directories as needed, and advances the offset past the
// copied content. Returns the number of bytes copied. A log that shrank
// underneath the clipper (rotation) restarts the excerpt from the file
// start.
func (c *Clipper) Excerpt(dst string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	src, err := os.Open(c.path)
	if err != nil {
		return 0, fmt.Errorf("excerpt %s: %w", c.path, err)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("excerpt %s: %w", c.path, err)
	}
	if fi.Size() < c.offset {
		c.offset = 0
	}
	if _, err := src.Seek(c.offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("excerpt %s: %w", c.path, err)
	}

	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("excerpt %s: %w", dst, err)
		}
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("excerpt %s: %w", dst, err)
	}

	n, err := io.Copy(out, src)
	closeErr := out.Close()
	if err != nil {
		return n, fmt.Errorf("excerpt %s: %w", dst, err)
	}
	c.offset += n
	if closeErr != nil {
		return n, fmt.Errorf("excerpt %s: %w", dst, closeErr)
	}
	return n, nil
}
