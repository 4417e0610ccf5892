// Package control serves the local control API used by `patchsync serve`:
// POST /sync queues a run, GET /status reports the current and last run.
package control

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/customlauncher/patchsync/internal/config"
	patchsync "github.com/customlauncher/patchsync/internal/sync"
)

// SignatureHeader carries the HMAC of a POST /sync body when a trigger
// secret is configured
const SignatureHeader = "X-Patchsync-Signature-256"

const maxTriggerBody = 1 << 20

// Runner performs one sync run
type Runner interface {
	Run(ctx context.Context) (*patchsync.Report, error)
}

// Server implements the control HTTP server
type Server struct {
	cfg         *config.Config
	runner      Runner
	tracker     *Tracker
	logger      *slog.Logger
	secret      []byte
	runCtx      context.Context
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer
}

// debouncer collapses bursts of triggers into one run
type debouncer struct {
	mu      sync.Mutex
	timer   *time.Timer
	delay   time.Duration
	stopped bool
}

// NewServer creates a new control server. The tracker must be one of the
// reporters attached to the runner's engine.
func NewServer(cfg *config.Config, runner Runner, tracker *Tracker, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		runner:   runner,
		tracker:  tracker,
		logger:   logger,
		runCtx:   context.Background(),
		debounce: &debouncer{delay: 2 * time.Second},
	}

	if cfg.Serve.TriggerSecretFile != "" {
		secret, err := os.ReadFile(cfg.Serve.TriggerSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read trigger secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("trigger secret file %s is empty", cfg.Serve.TriggerSecretFile)
		}
	}

	return s, nil
}

// Handler returns the control API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start serves the control API on ln, or on serve.listen_addr when ln is
// nil, after an initial sync. It returns once ctx is canceled.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	s.runCtx = ctx

	s.logger.Info("performing initial sync before starting control server")
	s.performSync(ctx)

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Serve.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Serve.ListenAddr, err)
		}
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if interval := s.cfg.Serve.Interval; interval > 0 {
		go s.poll(ctx, interval)
	}

	defer s.debounce.stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down control server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// poll runs a sync every interval until ctx is canceled
func (s *Server) poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("periodic sync enabled", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.performSync(ctx)
		}
	}
}

// handleSync queues a debounced sync run
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTriggerBody))
	if err != nil {
		s.logger.Warn("failed to read trigger body", "error", err)
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if s.secret != nil && !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting sync trigger with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("sync trigger accepted", "remote", r.RemoteAddr)

	s.debounce.trigger(func() {
		s.performSync(s.runCtx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// handleStatus reports the tracker snapshot as JSON
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.tracker.Snapshot()

	s.syncMu.Lock()
	status.Pending = s.syncPending
	s.syncMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("failed to encode status", "error", err)
	}
}

// verifySignature checks a "sha256=<hex>" HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	digest, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// performSync runs the runner unless a run is already in flight, in which
// case it marks one re-run as pending. Extra triggers while a re-run is
// pending are folded into it.
func (s *Server) performSync(ctx context.Context) {
	if !s.claim() {
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}

	for ctx.Err() == nil {
		report, err := s.runner.Run(ctx)
		switch {
		case err != nil:
			s.logger.Error("sync failed", "error", err)
		default:
			s.logger.Info("sync run finished", "run_id", report.RunID, "installed", len(report.Installed))
		}

		if !s.next() {
			return
		}
		s.logger.Info("re-running sync due to pending request")
	}
	s.release()
}

// claim marks a run as started, or records a pending re-run and reports
// false when one is already in flight
func (s *Server) claim() bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if s.syncRunning {
		s.syncPending = true
		return false
	}
	s.syncRunning = true
	return true
}

// next consumes the pending flag. It reports false, and ends the run, when
// nothing is pending.
func (s *Server) next() bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if !s.syncPending {
		s.syncRunning = false
		return false
	}
	s.syncPending = false
	return true
}

func (s *Server) release() {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.syncRunning = false
	s.syncPending = false
}

// trigger (re)starts the delay; only the last callback of a burst runs
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, callback)
}

// stop drops any scheduled callback and ignores later triggers
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
