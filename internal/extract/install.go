package extract

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/customlauncher/patchsync/internal/fetch"
	"github.com/customlauncher/patchsync/internal/hasher"
	"github.com/customlauncher/patchsync/internal/syncerr"
)

// Installer decompresses staged artifacts into the installation directory
type Installer struct {
	verify      bool
	executables map[string]bool
	logger      *slog.Logger
}

// NewInstaller creates an installer. When verify is set the decompressed
// bytes are hashed and compared with the manifest digest before the file
// replaces its destination. Files whose base name is listed in executables
// are installed with mode 0755.
func NewInstaller(verify bool, logger *slog.Logger, executables ...string) *Installer {
	exec := make(map[string]bool, len(executables))
	for _, name := range executables {
		exec[name] = true
	}
	return &Installer{
		verify:      verify,
		executables: exec,
		logger:      logger,
	}
}

// Install decodes art into dest, creating parent directories as needed.
// The destination is replaced atomically, so a failed install leaves the
// previous file untouched. Decode failures and digest mismatches are
// syncerr.ErrCorrupt; filesystem failures are syncerr.ErrIO.
func (i *Installer) Install(ctx context.Context, art *fetch.Artifact, dest, expectedHash string) error {
	start := time.Now()
	codec := CodecFor(art.Name)

	src, err := os.Open(art.Path)
	if err != nil {
		return syncerr.IO("install", art.Name, err)
	}
	defer func() {
		_ = src.Close()
	}()

	dec, err := codec.NewReader(src)
	if err != nil {
		return syncerr.Corrupt("install", art.Name, fmt.Errorf("%s: %w", codec, err))
	}
	defer func() {
		_ = dec.Close()
	}()

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return syncerr.IO("install", art.Name, err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dest), ".patchsync-tmp-*")
	if err != nil {
		return syncerr.IO("install", art.Name, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	out := &fileWriter{f: tmpFile}
	digest := hasher.NewWriter()
	written, err := io.Copy(io.MultiWriter(out, digest), &ctxReader{ctx: ctx, r: dec})
	if err != nil {
		_ = tmpFile.Close()
		switch {
		case out.err != nil:
			return syncerr.IO("install", art.Name, out.err)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return syncerr.Corrupt("install", art.Name, fmt.Errorf("%s: %w", codec, err))
		}
	}

	if i.verify && !hasher.Equal(digest.Sum(), expectedHash) {
		_ = tmpFile.Close()
		return syncerr.Corrupt("verify", art.Name,
			fmt.Errorf("digest mismatch: got %s, manifest says %s", digest.Sum(), expectedHash))
	}

	if err := tmpFile.Chmod(i.modeFor(dest)); err != nil {
		_ = tmpFile.Close()
		return syncerr.IO("install", art.Name, err)
	}

	if err := tmpFile.Close(); err != nil {
		return syncerr.IO("install", art.Name, err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, dest); err != nil {
		return syncerr.IO("install", art.Name, err)
	}

	i.logger.Debug("artifact installed",
		"name", art.Name,
		"dest", dest,
		"codec", codec.String(),
		"bytes", written,
		"verified", i.verify,
		"duration", time.Since(start))

	return nil
}

// modeFor keeps the mode of an existing destination, otherwise picks 0755
// for known executables and 0644 for everything else.
func (i *Installer) modeFor(dest string) os.FileMode {
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
		mode := info.Mode().Perm()
		if i.executables[filepath.Base(dest)] {
			mode |= 0111
		}
		return mode
	}
	if i.executables[filepath.Base(dest)] {
		return 0755
	}
	return 0644
}

// fileWriter remembers the first write error so copy failures can be told
// apart from decode failures.
type fileWriter struct {
	f   *os.File
	err error
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

// ctxReader stops a long decode once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
