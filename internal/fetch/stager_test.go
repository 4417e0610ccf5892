package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/customlauncher/patchsync/internal/manifest"
	"github.com/customlauncher/patchsync/internal/syncerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSource serves artifacts from memory.
type fakeSource struct {
	mu       sync.Mutex
	files    map[string][]byte
	sizes    map[string]int64 // overrides the reported size
	errs     map[string]error
	requests []string
}

func (f *fakeSource) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, name)

	if err := f.errs[name]; err != nil {
		return nil, 0, err
	}
	data, ok := f.files[name]
	if !ok {
		return nil, 0, errors.New("404 Not Found")
	}
	size := int64(len(data))
	if s, ok := f.sizes[name]; ok {
		size = s
	}
	return io.NopCloser(bytes.NewReader(data)), size, nil
}

func entry(dl string) manifest.Entry {
	return manifest.Entry{Key: strings.TrimSuffix(dl, ".bz2"), Hash: "aa", DownloadName: dl}
}

func TestStageWritesArtifact(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "temp")
	src := &fakeSource{files: map[string][]byte{"a.bin.bz2": []byte("compressed")}}
	s := NewStager(dir, src, testLogger())

	art, err := s.Stage(context.Background(), entry("a.bin.bz2"))
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	if art.Name != "a.bin.bz2" || art.Size != int64(len("compressed")) {
		t.Errorf("unexpected artifact %+v", art)
	}
	if art.Path != filepath.Join(dir, "a.bin.bz2") {
		t.Errorf("Path = %s", art.Path)
	}
	got, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "compressed" {
		t.Errorf("staged content = %q", got)
	}

	// no temp files left behind
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected exactly one staged file, found %d", len(entries))
	}
}

func TestStageOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin.bz2"), []byte("stale leftover bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{files: map[string][]byte{"a.bin.bz2": []byte("fresh")}}
	s := NewStager(dir, src, testLogger())

	art, err := s.Stage(context.Background(), entry("a.bin.bz2"))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(art.Path)
	if string(got) != "fresh" {
		t.Errorf("staged content = %q, want fresh", got)
	}
}

func TestStageNetworkErrors(t *testing.T) {
	src := &fakeSource{
		files: map[string][]byte{"short.bz2": []byte("abc")},
		sizes: map[string]int64{"short.bz2": 10},
		errs:  map[string]error{"down.bz2": errors.New("connection refused")},
	}
	s := NewStager(t.TempDir(), src, testLogger())

	for _, name := range []string{"short.bz2", "down.bz2", "missing.bz2"} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Stage(context.Background(), entry(name))
			if !errors.Is(err, syncerr.ErrNetwork) {
				t.Errorf("expected ErrNetwork, got %v", err)
			}
			if _, statErr := os.Stat(filepath.Join(s.Dir(), name)); !os.IsNotExist(statErr) {
				t.Error("failed download must not leave a staged file")
			}
		})
	}
}

func TestStageIOError(t *testing.T) {
	// staging dir path is occupied by a regular file
	blocker := filepath.Join(t.TempDir(), "temp")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{files: map[string][]byte{"a.bz2": []byte("data")}}
	s := NewStager(blocker, src, testLogger())

	_, err := s.Stage(context.Background(), entry("a.bz2"))
	if !errors.Is(err, syncerr.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if len(src.requests) != 0 {
		t.Error("no download should start when staging dir cannot be created")
	}
}

func TestStageRejectsUnsafeNames(t *testing.T) {
	src := &fakeSource{}
	s := NewStager(t.TempDir(), src, testLogger())

	for _, name := range []string{"", "../evil.bz2", "sub/dir.bz2", `sub\dir.bz2`, ".."} {
		_, err := s.Stage(context.Background(), manifest.Entry{Key: "k", DownloadName: name})
		if !errors.Is(err, syncerr.ErrIO) {
			t.Errorf("Stage(%q) expected ErrIO, got %v", name, err)
		}
	}
	if len(src.requests) != 0 {
		t.Errorf("unsafe names must never reach the source, got %v", src.requests)
	}
}

func TestStageCanceled(t *testing.T) {
	src := &fakeSource{files: map[string][]byte{"a.bz2": []byte("data")}}
	s := NewStager(t.TempDir(), src, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Stage(ctx, entry("a.bz2"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStageProgress(t *testing.T) {
	data := bytes.Repeat([]byte("z"), 100_000)
	src := &fakeSource{files: map[string][]byte{"big.bz2": data}}
	s := NewStager(t.TempDir(), src, testLogger())

	var last, total int64
	calls := 0
	s.SetProgress(func(name string, written, tot int64) {
		calls++
		last, total = written, tot
	})

	if _, err := s.Stage(context.Background(), entry("big.bz2")); err != nil {
		t.Fatal(err)
	}
	if calls == 0 {
		t.Fatal("progress callback never called")
	}
	if last != int64(len(data)) || total != int64(len(data)) {
		t.Errorf("final progress = %d/%d, want %d/%d", last, total, len(data), len(data))
	}
}

func TestStageOverHTTP(t *testing.T) {
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		if r.URL.Path == "/patches/missing.bz2" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("bz2 bytes"))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/patches/", "patchsync/test", srv.Client())
	s := NewStager(t.TempDir(), src, testLogger())

	art, err := s.Stage(context.Background(), entry("phase_3.mf.bz2"))
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if gotPath != "/patches/phase_3.mf.bz2" {
		t.Errorf("request path = %s", gotPath)
	}
	if gotUA != "patchsync/test" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if art.Size != int64(len("bz2 bytes")) {
		t.Errorf("Size = %d", art.Size)
	}

	_, err = s.Stage(context.Background(), entry("missing.bz2"))
	if !errors.Is(err, syncerr.ErrNetwork) {
		t.Errorf("404 should be ErrNetwork, got %v", err)
	}
}

func TestCleanup(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "temp")
	src := &fakeSource{files: map[string][]byte{
		"a.bz2": []byte("a"),
		"b.bz2": []byte("b"),
	}}
	s := NewStager(dir, src, testLogger())

	for _, name := range []string{"a.bz2", "b.bz2"} {
		if _, err := s.Stage(context.Background(), entry(name)); err != nil {
			t.Fatal(err)
		}
	}
	// temp file left by an interrupted download
	if err := os.WriteFile(filepath.Join(dir, ".patchsync-tmp-123"), []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("staging dir should be gone, stat err = %v", err)
	}

	// second cleanup with nothing there is fine
	if err := s.Cleanup(); err != nil {
		t.Errorf("Cleanup() on missing dir error = %v", err)
	}
}

func TestCleanupKeepsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	testFiles := map[string]string{
		"notes.txt":               "user data",
		"ttr-files/phase_3.mf":    "installed game file",
		"a.bz2.unrelated/keep.me": "nested",
	}
	for name, content := range testFiles {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	s := NewStager(dir, &fakeSource{files: map[string][]byte{"a.bz2": []byte("a")}}, testLogger())
	if _, err := s.Stage(context.Background(), entry("a.bz2")); err != nil {
		t.Fatal(err)
	}

	if err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "a.bz2")); !os.IsNotExist(err) {
		t.Error("staged artifact should be removed")
	}
	for name, want := range testFiles {
		got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			t.Errorf("%s removed by cleanup: %v", name, err)
			continue
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestCleanupKeepsPreexistingEmptyDir(t *testing.T) {
	dir := t.TempDir()
	s := NewStager(dir, &fakeSource{files: map[string][]byte{"a.bz2": []byte("a")}}, testLogger())
	if _, err := s.Stage(context.Background(), entry("a.bz2")); err != nil {
		t.Fatal(err)
	}

	if err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("a staging dir the stager did not create must stay: %v", err)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"phase_3.mf.bz2", false},
		{"Toontown_Rewritten.bz2", false},
		{"TTREngine.exe.bz2", false},
		{"", true},
		{"a/b.bz2", true},
		{`a\b.bz2`, true},
		{"..", true},
		{"x..bz2", true},
	}

	for _, tt := range tests {
		if err := ValidateName(tt.name); (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
