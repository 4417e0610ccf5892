package activation

import (
	"log/slog"
	"os"
	"strconv"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestListeners(t *testing.T) {
	self := strconv.Itoa(os.Getpid())
	tests := []struct {
		name    string
		pid     string
		fds     string
		wantErr bool
	}{
		{name: "no environment"},
		{name: "other process", pid: "99999", fds: "1"},
		{name: "zero fds", pid: self, fds: "0"},
		{name: "pid without fds", pid: self},
		{name: "invalid pid", pid: "not-a-number", fds: "1", wantErr: true},
		{name: "invalid fds", pid: self, fds: "many", wantErr: true},
		{name: "negative fds", pid: self, fds: "-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LISTEN_PID", tt.pid)
			t.Setenv("LISTEN_FDS", tt.fds)

			listeners, err := Listeners()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Listeners() error = %v, wantErr %v", err, tt.wantErr)
			}
			if listeners != nil {
				t.Errorf("expected no listeners, got %v", listeners)
			}
		})
	}
}

func TestListenFallsBackToTCP(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	ln, err := Listen("127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer func() { _ = ln.Close() }()

	if ln.Addr().Network() != "tcp" {
		t.Errorf("network = %s, want tcp", ln.Addr().Network())
	}
}

func TestListenInvalidAddr(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	if _, err := Listen("not an address", testLogger()); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestListenPropagatesActivationErrors(t *testing.T) {
	t.Setenv("LISTEN_PID", "bogus")
	t.Setenv("LISTEN_FDS", "1")

	if _, err := Listen("127.0.0.1:0", testLogger()); err == nil {
		t.Error("expected error for malformed activation environment")
	}
}
