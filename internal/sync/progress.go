package sync

import (
	"log/slog"
)

// Step is what happens to the current plan item
type Step string

const (
	StepFetching   Step = "fetching"
	StepExtracting Step = "extracting"
	StepInstalled  Step = "installed"
	StepFailed     Step = "failed"
)

// Progress is one per-item update. Done counts items already finished when
// the update is sent. Download is the artifact name byte updates for this
// item carry.
type Progress struct {
	Done     int
	Total    int
	File     string
	Download string
	Step     Step
}

// Reporter receives run events. Implementations must not block for long;
// they are called from the goroutine running the sync.
type Reporter interface {
	Phase(p Phase)
	Progress(p Progress)
	Finish(r *Report)
}

// ByteReporter is optionally implemented by reporters that show download
// progress within a file.
type ByteReporter interface {
	Bytes(name string, written, total int64)
}

// NopReporter discards every event
type NopReporter struct{}

func (NopReporter) Phase(Phase)       {}
func (NopReporter) Progress(Progress) {}
func (NopReporter) Finish(*Report)    {}

// LogReporter writes run events to a structured logger
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a reporter logging at info level
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (l *LogReporter) Phase(p Phase) {
	l.logger.Debug("phase", "phase", p)
}

func (l *LogReporter) Progress(p Progress) {
	switch p.Step {
	case StepFetching:
		l.logger.Info("downloading", "file", p.File, "done", p.Done, "total", p.Total)
	case StepExtracting:
		l.logger.Info("extracting", "file", p.File, "done", p.Done, "total", p.Total)
	case StepInstalled:
		l.logger.Debug("installed", "file", p.File, "done", p.Done, "total", p.Total)
	case StepFailed:
		l.logger.Warn("file failed", "file", p.File, "done", p.Done, "total", p.Total)
	}
}

func (l *LogReporter) Finish(r *Report) {
	attrs := []any{
		"run_id", r.RunID,
		"status", r.Status,
		"planned", len(r.Planned),
		"installed", len(r.Installed),
		"failed", len(r.Failed),
		"duration", r.Duration(),
	}
	if r.Status == StatusDone {
		l.logger.Info(r.Message, attrs...)
		return
	}
	l.logger.Error(r.Message, attrs...)
}

// MultiReporter fans events out to several reporters
type MultiReporter []Reporter

func (m MultiReporter) Phase(p Phase) {
	for _, r := range m {
		r.Phase(p)
	}
}

func (m MultiReporter) Progress(p Progress) {
	for _, r := range m {
		r.Progress(p)
	}
}

func (m MultiReporter) Finish(rep *Report) {
	for _, r := range m {
		r.Finish(rep)
	}
}

// Bytes forwards to every member that implements ByteReporter
func (m MultiReporter) Bytes(name string, written, total int64) {
	for _, r := range m {
		if br, ok := r.(ByteReporter); ok {
			br.Bytes(name, written, total)
		}
	}
}
