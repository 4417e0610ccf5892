package control

import (
	"sync"
	"time"

	patchsync "github.com/customlauncher/patchsync/internal/sync"
)

// Status is the body of GET /status
type Status struct {
	Running  bool              `json:"running"`
	Pending  bool              `json:"pending"`
	Phase    patchsync.Phase   `json:"phase,omitempty"`
	Current  *FileStatus       `json:"current,omitempty"`
	LastRun  *patchsync.Report `json:"last_run,omitempty"`
	Updated  time.Time         `json:"updated_at"`
	Finished int               `json:"runs_finished"`
}

// FileStatus describes the file being synced right now
type FileStatus struct {
	File         string         `json:"file"`
	Download     string         `json:"download,omitempty"`
	Step         patchsync.Step `json:"step"`
	Done         int            `json:"done"`
	Total        int            `json:"total"`
	BytesWritten int64          `json:"bytes_written"`
	BytesTotal   int64          `json:"bytes_total"`
}

// Tracker is a sync reporter that keeps the state served by /status
type Tracker struct {
	mu     sync.Mutex
	status Status
}

// NewTracker creates an idle tracker
func NewTracker() *Tracker {
	return &Tracker{status: Status{Updated: time.Now()}}
}

func (t *Tracker) Phase(p patchsync.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Phase = p
	t.status.Running = p != patchsync.PhaseDone && p != patchsync.PhaseFailed
	if p == patchsync.PhaseChecking {
		t.status.Current = nil
	}
	t.status.Updated = time.Now()
}

func (t *Tracker) Progress(p patchsync.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.status.Current
	if cur == nil || cur.File != p.File {
		cur = &FileStatus{File: p.File}
		t.status.Current = cur
	}
	cur.Download = p.Download
	cur.Step = p.Step
	cur.Done = p.Done
	cur.Total = p.Total
	t.status.Updated = time.Now()
}

// Bytes records download progress of the current file. Updates for
// artifacts being prefetched ahead of it are ignored.
func (t *Tracker) Bytes(name string, written, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Current == nil || t.status.Current.Download != name {
		return
	}
	t.status.Current.BytesWritten = written
	t.status.Current.BytesTotal = total
}

func (t *Tracker) Finish(r *patchsync.Report) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Running = false
	t.status.Current = nil
	t.status.LastRun = r
	t.status.Finished++
	t.status.Updated = time.Now()
}

// Snapshot returns a copy of the current status
func (t *Tracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.status
	if s.Current != nil {
		cur := *s.Current
		s.Current = &cur
	}
	return s
}
