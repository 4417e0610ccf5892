package sync

import (
	"time"

	"github.com/customlauncher/patchsync/internal/manifest"
)

// LocalFileState is what the installation directory holds for one manifest
// key. It is derived fresh every run and never written back.
type LocalFileState struct {
	Key    string
	Path   string // absolute path under the install dir
	Exists bool
	Hash   string // only set when Exists and Err is nil
	Err    error  // per-entry read failure; the entry is treated as stale
}

// Reason explains why a plan item was selected
type Reason string

const (
	ReasonMissing Reason = "missing"
	ReasonStale   Reason = "stale"
)

// PlanItem is one manifest entry selected for synchronization
type PlanItem struct {
	Entry  manifest.Entry
	Reason Reason
}

// Plan represents the files to sync in one run. It is built once and never
// mutated afterwards.
type Plan struct {
	Items    []PlanItem
	UpToDate int      // applicable entries whose local copy matches
	Foreign  int      // entries for other platforms
	Skipped  []string // entries published without any platform
}

// Keys returns the selected keys in plan order
func (p *Plan) Keys() []string {
	keys := make([]string, len(p.Items))
	for i, item := range p.Items {
		keys[i] = item.Entry.Key
	}
	return keys
}

// Empty reports whether nothing needs to be synced
func (p *Plan) Empty() bool {
	return len(p.Items) == 0
}

// Phase is a step of the sync state machine
type Phase string

const (
	PhaseChecking Phase = "checking"
	PhasePlanning Phase = "planning"
	PhaseSyncing  Phase = "syncing"
	PhaseCleanup  Phase = "cleanup"
	PhaseDone     Phase = "done"
	PhaseFailed   Phase = "failed"
)

// Status is the terminal outcome of a run
type Status string

const (
	StatusDone    Status = "done"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// FileFailure records one plan item that could not be synced
type FileFailure struct {
	Key   string `json:"key"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Report summarizes a finished run
type Report struct {
	RunID      string        `json:"run_id"`
	Status     Status        `json:"status"`
	DryRun     bool          `json:"dry_run,omitempty"`
	Planned    []string      `json:"planned"`
	Installed  []string      `json:"installed"`
	Failed     []FileFailure `json:"failed,omitempty"`
	Message    string        `json:"message"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Duration returns how long the run took
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
