package progressui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	patchsync "github.com/customlauncher/patchsync/internal/sync"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return model, cmd
}

func TestModelStatusText(t *testing.T) {
	m := NewModel(nil)
	if !strings.Contains(m.View(), "Checking for updates") {
		t.Errorf("initial view = %q", m.View())
	}

	m, _ = update(t, m, phaseMsg(patchsync.PhaseSyncing))
	m, _ = update(t, m, progressMsg{Done: 1, Total: 4, File: "phase_4.mf", Step: patchsync.StepFetching})
	view := m.View()
	if !strings.Contains(view, "Downloading") || !strings.Contains(view, "phase_4.mf") {
		t.Errorf("fetching view = %q", view)
	}
	if !strings.Contains(view, "1/4 files") {
		t.Errorf("expected file counter in %q", view)
	}

	m, _ = update(t, m, progressMsg{Done: 1, Total: 4, File: "phase_4.mf", Step: patchsync.StepExtracting})
	if !strings.Contains(m.View(), "Extracting") {
		t.Errorf("extracting view = %q", m.View())
	}
}

func TestModelBytes(t *testing.T) {
	m := NewModel(nil)
	m, _ = update(t, m, phaseMsg(patchsync.PhaseSyncing))
	m, _ = update(t, m, progressMsg{Done: 0, Total: 2, File: "a", Download: "a.bz2", Step: patchsync.StepFetching})
	m, _ = update(t, m, bytesMsg{name: "a.bz2", written: 500, total: 1000})

	if got := m.percent(); got != 0.25 {
		t.Errorf("percent = %v, want 0.25", got)
	}
	if !strings.Contains(m.View(), "500 B / 1.0 kB") {
		t.Errorf("expected byte counter in %q", m.View())
	}

	// a new file resets byte counts
	m, _ = update(t, m, progressMsg{Done: 1, Total: 2, File: "b", Download: "b.bz2", Step: patchsync.StepFetching})
	if m.written != 0 || m.size != 0 {
		t.Errorf("bytes not reset: %d/%d", m.written, m.size)
	}
	if got := m.percent(); got != 0.5 {
		t.Errorf("percent = %v, want 0.5", got)
	}
}

func TestModelBytesIgnoresOtherDownloads(t *testing.T) {
	m := NewModel(nil)
	m, _ = update(t, m, phaseMsg(patchsync.PhaseSyncing))
	m, _ = update(t, m, progressMsg{Done: 0, Total: 2, File: "a", Download: "a.bz2", Step: patchsync.StepFetching})
	m, _ = update(t, m, bytesMsg{name: "a.bz2", written: 250, total: 1000})
	m, _ = update(t, m, bytesMsg{name: "b.bz2", written: 1000, total: 1000})

	if m.written != 250 || m.size != 1000 {
		t.Errorf("bytes = %d/%d, want 250/1000", m.written, m.size)
	}
	if got := m.percent(); got != 0.125 {
		t.Errorf("percent = %v, want 0.125", got)
	}
}

func TestModelFailuresCounted(t *testing.T) {
	m := NewModel(nil)
	m, _ = update(t, m, phaseMsg(patchsync.PhaseSyncing))
	m, _ = update(t, m, progressMsg{Done: 0, Total: 3, File: "a", Step: patchsync.StepFailed})

	if !strings.Contains(m.View(), "1 failed") {
		t.Errorf("view = %q", m.View())
	}
}

func TestModelCancelOnce(t *testing.T) {
	calls := 0
	m := NewModel(func() { calls++ })

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})

	if calls != 1 {
		t.Errorf("onCancel called %d times, want 1", calls)
	}
	if !strings.Contains(m.View(), "canceling") {
		t.Errorf("view = %q", m.View())
	}
}

func TestModelFinishQuits(t *testing.T) {
	m := NewModel(nil)
	report := &patchsync.Report{Status: patchsync.StatusDone, Message: "Updated 3 files."}

	m, cmd := update(t, m, finishMsg{report: report})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("finish should quit the program")
	}
	if !strings.Contains(m.View(), "Updated 3 files.") {
		t.Errorf("final view = %q", m.View())
	}

	// keys after the run has finished do nothing
	m.onCancel = func() { t.Error("onCancel called after finish") }
	_, _ = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
}

func TestReporterRunsProgram(t *testing.T) {
	var out bytes.Buffer
	r := Start(&out, nil, nil)

	r.Phase(patchsync.PhaseSyncing)
	r.Progress(patchsync.Progress{Done: 0, Total: 1, File: "a.bin", Download: "a.bin.bz2", Step: patchsync.StepFetching})
	r.Bytes("a.bin.bz2", 10, 20)
	r.Finish(&patchsync.Report{Status: patchsync.StatusDone, Message: "Updated 1 files."})

	done := make(chan error, 1)
	go func() { done <- r.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("program did not exit after Finish")
	}

	var _ patchsync.Reporter = r
	var _ patchsync.ByteReporter = r
}
