package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/customlauncher/patchsync/internal/hasher"
	"github.com/customlauncher/patchsync/internal/manifest"
	"github.com/customlauncher/patchsync/internal/syncerr"
)

// Resolve inspects installDir for every entry and hashes the files that
// exist. A file that cannot be read yields a state carrying a
// syncerr.ErrIO instead of failing the whole call; only cancellation
// returns an error.
func Resolve(ctx context.Context, installDir string, entries []manifest.Entry) ([]LocalFileState, error) {
	states := make([]LocalFileState, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		states = append(states, resolveOne(installDir, e.Key))
	}
	return states, nil
}

func resolveOne(installDir, key string) LocalFileState {
	state := LocalFileState{Key: key}

	path, err := KeyPath(installDir, key)
	if err != nil {
		state.Err = syncerr.IO("check", key, err)
		return state
	}
	state.Path = path

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state
		}
		state.Exists = true
		state.Err = syncerr.IO("check", key, err)
		return state
	}

	state.Exists = true
	if info.IsDir() {
		state.Err = syncerr.IO("check", key, fmt.Errorf("%s is a directory", path))
		return state
	}

	hash, err := hasher.HashFile(path)
	if err != nil {
		state.Err = syncerr.IO("check", key, err)
		return state
	}
	state.Hash = hash
	return state
}

// KeyPath maps a manifest key onto its path under installDir, refusing keys
// that would land outside it.
func KeyPath(installDir, key string) (string, error) {
	if err := manifest.ValidateKey(key); err != nil {
		return "", err
	}

	root := filepath.Clean(installDir)
	path := filepath.Join(root, filepath.FromSlash(key))

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the installation directory", key)
	}
	return path, nil
}
