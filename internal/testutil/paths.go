package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// FindProjectRoot walks up from the caller's source file until it finds go.mod
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", errors.New("failed to get caller information")
	}

	for dir := filepath.Dir(filename); ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// WriteTree creates files under root from a key -> content map. Keys use
// "/" separators.
func WriteTree(t testing.TB, root string, files map[string][]byte) {
	t.Helper()
	for key, data := range files {
		p := filepath.Join(root, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("mkdir for %s: %v", key, err)
		}
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
	}
}
