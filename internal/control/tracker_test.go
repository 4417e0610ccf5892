package control

import (
	"testing"

	patchsync "github.com/customlauncher/patchsync/internal/sync"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	if s := tr.Snapshot(); s.Running || s.LastRun != nil {
		t.Fatalf("new tracker should be idle, got %+v", s)
	}

	tr.Phase(patchsync.PhaseChecking)
	tr.Phase(patchsync.PhaseSyncing)
	tr.Progress(patchsync.Progress{Done: 0, Total: 2, File: "phase_3.mf", Download: "phase_3.mf.bz2", Step: patchsync.StepFetching})
	tr.Bytes("phase_3.mf.bz2", 512, 1024)

	s := tr.Snapshot()
	if !s.Running || s.Phase != patchsync.PhaseSyncing {
		t.Errorf("expected running syncing, got %+v", s)
	}
	if s.Current == nil || s.Current.File != "phase_3.mf" || s.Current.BytesWritten != 512 || s.Current.BytesTotal != 1024 {
		t.Errorf("Current = %+v", s.Current)
	}

	tr.Progress(patchsync.Progress{Done: 1, Total: 2, File: "phase_4.mf", Download: "phase_4.mf.bz2", Step: patchsync.StepFetching})
	if s := tr.Snapshot(); s.Current.BytesWritten != 0 {
		t.Errorf("byte counts must reset for a new file, got %+v", s.Current)
	}

	report := &patchsync.Report{RunID: "r", Status: patchsync.StatusDone}
	tr.Phase(patchsync.PhaseDone)
	tr.Finish(report)

	s = tr.Snapshot()
	if s.Running || s.Current != nil || s.LastRun != report || s.Finished != 1 {
		t.Errorf("after finish got %+v", s)
	}
}

func TestTrackerBytesIgnoresOtherDownloads(t *testing.T) {
	tr := NewTracker()
	tr.Phase(patchsync.PhaseSyncing)
	tr.Progress(patchsync.Progress{Done: 0, Total: 3, File: "phase_3.mf", Download: "phase_3.mf.bz2", Step: patchsync.StepFetching})

	tr.Bytes("phase_3.mf.bz2", 100, 1000)
	// phase_4 is downloading ahead of the current item
	tr.Bytes("phase_4.mf.bz2", 9000, 9000)

	s := tr.Snapshot()
	if s.Current.Download != "phase_3.mf.bz2" {
		t.Errorf("Download = %q", s.Current.Download)
	}
	if s.Current.BytesWritten != 100 || s.Current.BytesTotal != 1000 {
		t.Errorf("bytes = %d/%d, want 100/1000", s.Current.BytesWritten, s.Current.BytesTotal)
	}

	tr.Progress(patchsync.Progress{Done: 0, Total: 3, File: "phase_3.mf", Download: "phase_3.mf.bz2", Step: patchsync.StepExtracting})
	if s := tr.Snapshot(); s.Current.BytesWritten != 100 {
		t.Errorf("byte counts must survive a step change, got %+v", s.Current)
	}
}

func TestTrackerSnapshotIsCopy(t *testing.T) {
	tr := NewTracker()
	tr.Progress(patchsync.Progress{File: "a", Step: patchsync.StepFetching})

	s := tr.Snapshot()
	s.Current.File = "mutated"

	if got := tr.Snapshot().Current.File; got != "a" {
		t.Errorf("snapshot shares state with tracker: %s", got)
	}
}

func TestTrackerIsReporter(t *testing.T) {
	var _ patchsync.Reporter = NewTracker()
	var _ patchsync.ByteReporter = NewTracker()
}
