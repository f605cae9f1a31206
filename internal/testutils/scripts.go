package testutils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LoadScript reads a file by path relative to the repository root,
// found by walking up from the working directory to the nearest go.mod.
// Tests use it to run the shipped example scripts regardless of which
// package directory the test binary starts in.
func LoadScript(relPath string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("repository root not found (no go.mod in any parent)")
		}
		dir = parent
	}
	data, err := os.ReadFile(filepath.Join(dir, relPath))
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}
