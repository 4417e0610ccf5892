// Package gamesettings prepares a fresh install directory: the game's
// first-run settings.json and files carried over from another install.
package gamesettings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/customlauncher/patchsync/internal/platform"
)

// FileName is the game's settings file inside the install directory
const FileName = "settings.json"

// Settings is the subset of the game's settings.json written on first run
type Settings struct {
	Video *VideoSettings `json:"video,omitempty"`
	Audio AudioSettings  `json:"audio"`
}

// VideoSettings holds display options
type VideoSettings struct {
	DisplayMode string `json:"display-mode"`
}

// AudioSettings holds volume levels (0-100)
type AudioSettings struct {
	MusicVolume int `json:"music-volume"`
	SFXVolume   int `json:"sfx-volume"`
}

// Defaults returns the first-run settings for host. The game's fullscreen
// mode misbehaves on Linux, so Linux starts windowed.
func Defaults(host platform.Tag) Settings {
	s := Settings{Audio: AudioSettings{MusicVolume: 10, SFXVolume: 10}}
	if host == platform.Linux {
		s.Video = &VideoSettings{DisplayMode: "window"}
	}
	return s
}

// WriteDefaults writes Defaults(host) to installDir/settings.json unless the
// file already exists. It reports whether a file was written.
func WriteDefaults(installDir string, host platform.Tag) (bool, error) {
	path := filepath.Join(installDir, FileName)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to check %s: %w", path, err)
	}

	data, err := json.MarshalIndent(Defaults(host), "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := writeAtomic(path, append(data, '\n'), 0644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// importItems are copied from an existing install, in this order
var importItems = []string{FileName, "resources", "screenshots"}

// Import copies settings, resource packs and screenshots from another game
// install into installDir. Items missing from source are skipped.
func Import(source, installDir string, logger *slog.Logger) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("failed to find existing install: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("existing install %s is not a directory", source)
	}

	for _, item := range importItems {
		src := filepath.Join(source, item)
		dst := filepath.Join(installDir, item)

		if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		logger.Info("importing from existing install", "src", src, "dest", dst)
		if err := copyTree(src, dst); err != nil {
			return fmt.Errorf("failed to import %s: %w", item, err)
		}
	}
	return nil
}

// DetectInstall returns the official launcher's data directory on host, or
// "" when none is found
func DetectInstall(host platform.Tag) string {
	var candidates []string
	switch {
	case host == platform.Linux:
		if home, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates, filepath.Join(home, ".var", "app", "com.toontownrewritten.Launcher", "data"))
		}
	case host.IsWindows():
		for _, env := range []string{"ProgramFiles(x86)", "ProgramFiles"} {
			if dir := os.Getenv(env); dir != "" {
				candidates = append(candidates, filepath.Join(dir, "Toontown Rewritten"))
			}
		}
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return ""
}

// copyTree copies a file or a directory tree, replacing existing files
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}
	return writeAtomicFrom(dst, srcFile, info.Mode().Perm())
}

func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	return writeAtomicFrom(path, bytes.NewReader(data), perm)
}

func writeAtomicFrom(path string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".patchsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, r); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
