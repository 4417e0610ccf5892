package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/customlauncher/patchsync/internal/manifest"
	"github.com/customlauncher/patchsync/internal/syncerr"
)

// tmpPattern names in-progress downloads
const tmpPattern = ".patchsync-tmp-*"

// Artifact is a downloaded, still-compressed file in the staging directory
type Artifact struct {
	Name string // download name
	Path string // absolute or working-dir relative path of the staged file
	Size int64  // bytes written
}

// ProgressFunc receives byte counts while an artifact downloads. total is -1
// when the source did not report a size.
type ProgressFunc func(name string, written, total int64)

// Stager downloads artifacts into a staging directory. Cleanup only removes
// what the stager itself wrote, so the directory may be shared.
type Stager struct {
	dir        string
	source     Source
	logger     *slog.Logger
	onProgress ProgressFunc

	mu      sync.Mutex
	staged  map[string]struct{} // names renamed into dir
	created bool                // dir did not exist before the first Stage
}

// NewStager creates a stager writing into dir. The directory is created on
// first use.
func NewStager(dir string, source Source, logger *slog.Logger) *Stager {
	return &Stager{
		dir:    dir,
		source: source,
		logger: logger,
	}
}

// SetProgress installs a byte progress callback. It may be called from
// several goroutines when downloads run concurrently.
func (s *Stager) SetProgress(fn ProgressFunc) {
	s.onProgress = fn
}

// Dir returns the staging directory
func (s *Stager) Dir() string {
	return s.dir
}

// Stage downloads entry.DownloadName into the staging directory, replacing
// any file of the same name. Transfer failures are syncerr.ErrNetwork, local
// write failures syncerr.ErrIO.
func (s *Stager) Stage(ctx context.Context, entry manifest.Entry) (*Artifact, error) {
	name := entry.DownloadName
	if err := ValidateName(name); err != nil {
		return nil, syncerr.IO("stage", name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	if err := s.ensureDir(); err != nil {
		return nil, syncerr.IO("stage", name, fmt.Errorf("failed to create staging directory: %w", err))
	}

	rc, size, err := s.source.Open(ctx, name)
	if err != nil {
		if syncerr.KindOf(err) != nil {
			return nil, err
		}
		return nil, syncerr.Network("stage", name, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	// Write to a temp file and rename so a partial download is never visible
	tmpFile, err := os.CreateTemp(s.dir, tmpPattern)
	if err != nil {
		return nil, syncerr.IO("stage", name, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	dst := &trackingWriter{w: tmpFile}
	var w io.Writer = dst
	if s.onProgress != nil {
		w = &progressWriter{w: dst, name: name, total: size, fn: s.onProgress}
	}

	written, err := io.Copy(w, rc)
	if err != nil {
		_ = tmpFile.Close()
		if dst.err != nil {
			return nil, syncerr.IO("stage", name, dst.err)
		}
		return nil, syncerr.Network("stage", name, err)
	}
	if size >= 0 && written != size {
		_ = tmpFile.Close()
		return nil, syncerr.Network("stage", name, fmt.Errorf("truncated download: got %d of %d bytes", written, size))
	}

	if err := tmpFile.Close(); err != nil {
		return nil, syncerr.IO("stage", name, err)
	}

	finalPath := filepath.Join(s.dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, syncerr.IO("stage", name, err)
	}
	s.mu.Lock()
	s.staged[name] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("artifact staged",
		"name", name,
		"bytes", written,
		"duration", time.Since(start))

	return &Artifact{Name: name, Path: finalPath, Size: written}, nil
}

// ensureDir creates the staging directory and remembers whether it had to
func (s *Stager) ensureDir() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged == nil {
		s.staged = make(map[string]struct{})
	}
	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		s.created = true
	}
	return os.MkdirAll(s.dir, 0755)
}

// Cleanup removes the artifacts this stager wrote and any of its temp files
// left behind by an interrupted download. The directory itself is removed
// only when the stager created it and it is empty afterwards. All failures
// are joined into the returned error.
func (s *Stager) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	remove := func(p string) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", p, err))
		}
	}

	for name := range s.staged {
		remove(filepath.Join(s.dir, name))
	}
	s.staged = nil

	leftovers, err := filepath.Glob(filepath.Join(s.dir, tmpPattern))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list temp files: %w", err))
	}
	for _, p := range leftovers {
		remove(p)
	}

	if s.created {
		entries, err := os.ReadDir(s.dir)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			errs = append(errs, fmt.Errorf("failed to read staging directory: %w", err))
		case len(entries) == 0:
			remove(s.dir)
		default:
			s.logger.Warn("staging directory not empty, leaving it in place", "dir", s.dir, "entries", len(entries))
		}
		s.created = false
	}

	return errors.Join(errs...)
}

// ValidateName rejects download names that could escape the staging
// directory.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.New("empty download name")
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("download name %q contains a path separator", name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("download name %q contains '..'", name)
	case filepath.VolumeName(name) != "":
		return fmt.Errorf("download name %q contains a volume name", name)
	}
	return nil
}

// trackingWriter remembers the first write error so copy failures can be
// attributed to the local disk rather than the transfer.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}

type progressWriter struct {
	w       io.Writer
	name    string
	total   int64
	written int64
	fn      ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.fn(p.name, p.written, p.total)
	return n, err
}
