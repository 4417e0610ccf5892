//go:build e2e

package harness

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/customlauncher/patchsync/internal/config"
	"github.com/customlauncher/patchsync/internal/control"
	"github.com/customlauncher/patchsync/internal/testutil"
)

const (
	defaultTimeout      = 5 * time.Minute
	defaultReadyTimeout = 30 * time.Second
)

// Suite runs a patchsync serve process against a local patch server
type Suite struct {
	// immutable config
	Name        string
	Timeout     time.Duration
	KeepWorkDir bool

	// runtime state
	Binary     string
	WorkDir    string
	InstallDir string
	ConfigPath string
	Addr       string
	Secret     string
	Server     *testutil.PatchServer

	// optional logger hook
	Logf func(format string, args ...any)

	cmd    *exec.Cmd
	exited chan error
	output *lockedBuffer

	// test reference
	t *testing.T
}

// SuiteOption configures a Suite
type SuiteOption func(*Suite)

// WithTimeout sets a custom suite timeout
func WithTimeout(d time.Duration) SuiteOption {
	return func(s *Suite) { s.Timeout = d }
}

// WithKeepWorkDir keeps the work directory after the test
func WithKeepWorkDir(v bool) SuiteOption {
	return func(s *Suite) { s.KeepWorkDir = v }
}

// WithSecret requires signed trigger requests
func WithSecret(secret string) SuiteOption {
	return func(s *Suite) { s.Secret = secret }
}

// WithLogf sets a custom logger
func WithLogf(logf func(string, ...any)) SuiteOption {
	return func(s *Suite) { s.Logf = logf }
}

// NewSuite creates a new E2E test suite
func NewSuite(name string, t *testing.T, opts ...SuiteOption) *Suite {
	s := &Suite{
		Name:        name,
		Timeout:     defaultTimeout,
		KeepWorkDir: os.Getenv("E2E_KEEP_WORKDIR") == "1",
		Server:      testutil.NewPatchServer(t),
		output:      &lockedBuffer{},
		t:           t,
		Logf:        t.Logf,
	}

	for _, opt := range opts {
		opt(s)
	}

	if timeout := os.Getenv("E2E_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			s.Timeout = d
		}
	}

	return s
}

// Build compiles the patchsync binary and lays out the work directory
func (s *Suite) Build(ctx context.Context) error {
	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	if s.KeepWorkDir {
		s.WorkDir, err = os.MkdirTemp("", "patchsync-e2e-"+s.Name+"-")
		if err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		s.Logf("Keeping work dir %s", s.WorkDir)
	} else {
		s.WorkDir = s.t.TempDir()
	}
	s.InstallDir = filepath.Join(s.WorkDir, "ttr-files")
	s.ConfigPath = filepath.Join(s.WorkDir, "config.yaml")
	s.Binary = filepath.Join(s.WorkDir, "patchsync")

	s.Logf("Building %s from %s", s.Binary, projectRoot)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", s.Binary, "./cmd/patchsync")
	cmd.Dir = projectRoot
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build failed: %w\n%s", err, out.String())
	}

	if err := os.MkdirAll(s.InstallDir, 0755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}
	return nil
}

// WriteConfig saves the serve configuration. interval 0 disables polling.
func (s *Suite) WriteConfig(interval time.Duration) error {
	addr, err := freeAddr()
	if err != nil {
		return err
	}
	s.Addr = addr

	cfg := config.Default(s.InstallDir)
	cfg.Paths.StagingDir = filepath.Join(s.WorkDir, "temp")
	cfg.Remote.ManifestURL = s.Server.ManifestURL()
	cfg.Remote.DownloadURL = s.Server.DownloadURL()
	cfg.Sync.Platform = "linux"
	cfg.Serve.ListenAddr = addr
	cfg.Serve.Interval = interval

	if s.Secret != "" {
		secretPath := filepath.Join(s.WorkDir, "trigger.secret")
		if err := os.WriteFile(secretPath, []byte(s.Secret+"\n"), 0600); err != nil {
			return fmt.Errorf("write secret: %w", err)
		}
		cfg.Serve.TriggerSecretFile = secretPath
	}

	return cfg.Save(s.ConfigPath)
}

// Start launches patchsync serve in the background
func (s *Suite) Start(ctx context.Context) error {
	s.Logf("Starting %s serve on %s", s.Binary, s.Addr)

	s.cmd = exec.Command(s.Binary, "serve", "--config", s.ConfigPath, "--log-level", "debug")
	s.cmd.Stdout = s.output
	s.cmd.Stderr = s.output
	s.cmd.Env = append(os.Environ(), "HOME="+s.WorkDir)
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("start serve: %w", err)
	}

	s.exited = make(chan error, 1)
	go func() { s.exited <- s.cmd.Wait() }()
	return nil
}

// Stop interrupts the serve process and waits for it to exit
func (s *Suite) Stop(ctx context.Context) error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	s.Logf("Stopping serve (pid %d)", s.cmd.Process.Pid)

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal serve: %w", err)
	}
	select {
	case err := <-s.exited:
		s.cmd = nil
		if err != nil {
			return fmt.Errorf("serve exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = s.cmd.Process.Kill()
		return fmt.Errorf("serve did not stop: %w", ctx.Err())
	}
}

// Ready waits until /status answers and the initial sync has finished
func (s *Suite) Ready(ctx context.Context) error {
	s.Logf("Running readiness check")
	ctx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	err := s.WaitFor(ctx, func(st *control.Status) bool { return st.Finished >= 1 && !st.Running })
	if err != nil {
		s.DumpDiagnostics(context.Background())
		return fmt.Errorf("serve not ready: %w", err)
	}
	s.Logf("Readiness check passed")
	return nil
}

// Status fetches GET /status
func (s *Suite) Status(ctx context.Context) (*control.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url("/status"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status returned %d", resp.StatusCode)
	}
	var st control.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// Trigger posts to /sync, signing the body when sign is set, and returns
// the response code
func (s *Suite) Trigger(ctx context.Context, body string, sign bool) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url("/sync"), strings.NewReader(body))
	if err != nil {
		return 0, err
	}
	if sign {
		mac := hmac.New(sha256.New, []byte(s.Secret))
		mac.Write([]byte(body))
		req.Header.Set(control.SignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// WaitFor polls /status until cond holds
func (s *Suite) WaitFor(ctx context.Context, cond func(*control.Status) bool) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case err := <-s.exited:
			s.exited <- err
			return fmt.Errorf("serve exited early: %v", err)
		default:
		}

		st, err := s.Status(ctx)
		if err == nil && cond(st) {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReadInstalled returns the contents of an installed file
func (s *Suite) ReadInstalled(key string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.InstallDir, filepath.FromSlash(key)))
	return string(data), err
}

// Output returns everything the serve process has written so far
func (s *Suite) Output() string {
	return s.output.String()
}

func (s *Suite) url(path string) string {
	return "http://" + s.Addr + path
}

// freeAddr reserves a loopback port and releases it for the process under test
func freeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("reserve port: %w", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		return "", err
	}
	return addr, nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
