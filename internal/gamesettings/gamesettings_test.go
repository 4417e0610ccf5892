package gamesettings

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/customlauncher/patchsync/internal/platform"
	"github.com/customlauncher/patchsync/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func readSettings(t *testing.T, dir string) map[string]map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	var out map[string]map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("settings are not json: %v", err)
	}
	return out
}

func TestWriteDefaults(t *testing.T) {
	tests := []struct {
		host       platform.Tag
		wantWindow bool
	}{
		{platform.Linux, true},
		{platform.Win64, false},
		{platform.Win32, false},
		{platform.Darwin, false},
	}

	for _, tt := range tests {
		t.Run(tt.host.String(), func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "ttr-files")

			written, err := WriteDefaults(dir, tt.host)
			if err != nil {
				t.Fatalf("WriteDefaults() error = %v", err)
			}
			if !written {
				t.Fatal("expected settings to be written")
			}

			got := readSettings(t, dir)
			if got["audio"]["music-volume"] != float64(10) || got["audio"]["sfx-volume"] != float64(10) {
				t.Errorf("audio = %v", got["audio"])
			}
			video, hasVideo := got["video"]
			if hasVideo != tt.wantWindow {
				t.Fatalf("video section present = %v, want %v", hasVideo, tt.wantWindow)
			}
			if tt.wantWindow && video["display-mode"] != "window" {
				t.Errorf("display-mode = %v", video["display-mode"])
			}
		})
	}
}

func TestWriteDefaultsKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string][]byte{FileName: []byte(`{"audio":{"music-volume":80}}`)})

	written, err := WriteDefaults(dir, platform.Linux)
	if err != nil {
		t.Fatalf("WriteDefaults() error = %v", err)
	}
	if written {
		t.Error("existing settings must not be overwritten")
	}
	if got := readSettings(t, dir); got["audio"]["music-volume"] != float64(80) {
		t.Errorf("settings changed: %v", got)
	}
}

func TestImport(t *testing.T) {
	source := t.TempDir()
	testutil.WriteTree(t, source, map[string][]byte{
		FileName:                         []byte(`{"audio":{"music-volume":55}}`),
		"resources/pack/phase_3.mf":      []byte("custom pack"),
		"screenshots/ttr-screenshot.jpg": []byte("jpeg"),
		"logs/ignored.log":               []byte("not imported"),
	})
	dest := t.TempDir()
	testutil.WriteTree(t, dest, map[string][]byte{FileName: []byte(`{}`)})

	if err := Import(source, dest, testLogger()); err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	for name, want := range map[string]string{
		FileName:                         `{"audio":{"music-volume":55}}`,
		"resources/pack/phase_3.mf":      "custom pack",
		"screenshots/ttr-screenshot.jpg": "jpeg",
	} {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		if err != nil {
			t.Errorf("%s not imported: %v", name, err)
			continue
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
	if _, err := os.Stat(filepath.Join(dest, "logs")); !os.IsNotExist(err) {
		t.Error("only settings, resources and screenshots are imported")
	}
}

func TestImportPartialSource(t *testing.T) {
	source := t.TempDir()
	testutil.WriteTree(t, source, map[string][]byte{"screenshots/a.jpg": []byte("a")})
	dest := t.TempDir()

	if err := Import(source, dest, testLogger()); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, FileName)); !os.IsNotExist(err) {
		t.Error("missing source settings must not create a file")
	}
}

func TestImportMissingSource(t *testing.T) {
	if err := Import(filepath.Join(t.TempDir(), "nope"), t.TempDir(), testLogger()); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestDetectInstallLinux(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("home directory comes from USERPROFILE on windows")
	}
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := DetectInstall(platform.Linux); got != "" {
		t.Errorf("DetectInstall() = %q, want none", got)
	}

	data := filepath.Join(home, ".var", "app", "com.toontownrewritten.Launcher", "data")
	if err := os.MkdirAll(data, 0755); err != nil {
		t.Fatal(err)
	}
	if got := DetectInstall(platform.Linux); got != data {
		t.Errorf("DetectInstall() = %q, want %q", got, data)
	}
}

func TestDetectInstallWindows(t *testing.T) {
	programs := t.TempDir()
	t.Setenv("ProgramFiles(x86)", programs)
	t.Setenv("ProgramFiles", "")

	install := filepath.Join(programs, "Toontown Rewritten")
	if err := os.MkdirAll(install, 0755); err != nil {
		t.Fatal(err)
	}
	if got := DetectInstall(platform.Win64); got != install {
		t.Errorf("DetectInstall() = %q, want %q", got, install)
	}
	if got := DetectInstall(platform.Darwin); got != "" {
		t.Errorf("darwin DetectInstall() = %q, want none", got)
	}
}
