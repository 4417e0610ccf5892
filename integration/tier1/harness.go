//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/customlauncher/patchsync/internal/config"
	"github.com/customlauncher/patchsync/internal/testutil"
)

const (
	binaryName     = "patchsync"
	defaultTimeout = 5 * time.Minute
)

// Harness builds the patchsync binary once and runs it against a local
// patch server
type Harness struct {
	t          *testing.T
	binary     string
	Server     *testutil.PatchServer
	InstallDir string
	ConfigPath string
}

// Result is the outcome of one binary invocation
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// NewHarness builds the binary and prepares an install directory and config
func NewHarness(t *testing.T, ctx context.Context) *Harness {
	t.Helper()

	binary, err := buildBinary(ctx, t)
	if err != nil {
		t.Fatalf("build binary: %v", err)
	}

	root := t.TempDir()
	h := &Harness{
		t:          t,
		binary:     binary,
		Server:     testutil.NewPatchServer(t),
		InstallDir: filepath.Join(root, "ttr-files"),
		ConfigPath: filepath.Join(root, "config.yaml"),
	}
	if err := os.MkdirAll(h.InstallDir, 0755); err != nil {
		t.Fatalf("create install dir: %v", err)
	}
	h.WriteConfig(func(*config.Config) {})
	return h
}

// WriteConfig saves a config pointing at the harness server. mutate may
// adjust it before it is written.
func (h *Harness) WriteConfig(mutate func(*config.Config)) {
	h.t.Helper()
	cfg := config.Default(h.InstallDir)
	cfg.Paths.StagingDir = filepath.Join(filepath.Dir(h.ConfigPath), "temp")
	cfg.Remote.ManifestURL = h.Server.ManifestURL()
	cfg.Remote.DownloadURL = h.Server.DownloadURL()
	cfg.Sync.Platform = "linux"
	mutate(cfg)

	if err := cfg.Save(h.ConfigPath); err != nil {
		h.t.Fatalf("save config: %v", err)
	}
}

// Run executes the binary with args and the harness config
func (h *Harness) Run(ctx context.Context, args ...string) Result {
	h.t.Helper()
	args = append(args, "--config", h.ConfigPath)
	h.t.Logf("Running: %s %s", binaryName, strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Stdout = io.MultiWriter(&stdout, &testWriter{t: h.t, prefix: "[stdout] "})
	cmd.Stderr = io.MultiWriter(&stderr, &testWriter{t: h.t, prefix: "[stderr] "})
	cmd.Env = append(os.Environ(), "HOME="+filepath.Dir(h.ConfigPath))

	res := Result{}
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case err != nil:
		h.t.Fatalf("run %s: %v", binaryName, err)
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res
}

// MustRun executes the binary and fails the test on a non-zero exit
func (h *Harness) MustRun(ctx context.Context, args ...string) Result {
	h.t.Helper()
	res := h.Run(ctx, args...)
	if res.ExitCode != 0 {
		h.t.Fatalf("%s %v exited with %d", binaryName, args, res.ExitCode)
	}
	return res
}

// ReadInstalled returns the contents of an installed file
func (h *Harness) ReadInstalled(key string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.InstallDir, filepath.FromSlash(key)))
	return string(data), err
}

// Installed reports whether key exists in the install directory
func (h *Harness) Installed(key string) bool {
	_, err := os.Stat(filepath.Join(h.InstallDir, filepath.FromSlash(key)))
	return err == nil
}

// Reset empties the install directory
func (h *Harness) Reset() {
	h.t.Helper()
	if err := os.RemoveAll(h.InstallDir); err != nil {
		h.t.Fatalf("reset install dir: %v", err)
	}
	if err := os.MkdirAll(h.InstallDir, 0755); err != nil {
		h.t.Fatalf("recreate install dir: %v", err)
	}
}

func buildBinary(ctx context.Context, t *testing.T) (string, error) {
	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return "", fmt.Errorf("get project root: %w", err)
	}

	out := filepath.Join(t.TempDir(), binaryName)
	t.Logf("Building %s from %s", out, projectRoot)

	cmd := exec.CommandContext(ctx, "go", "build",
		"-ldflags", "-X main.version=v0.0.0-integration",
		"-o", out, "./cmd/patchsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("go build failed: %w", err)
	}
	return out, nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
