package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/customlauncher/patchsync/internal/config"
	"github.com/customlauncher/patchsync/internal/fetch"
	"github.com/customlauncher/patchsync/internal/manifest"
	"github.com/customlauncher/patchsync/internal/platform"
	"github.com/customlauncher/patchsync/internal/syncerr"
)

// Stager downloads artifacts into the run's staging area
type Stager interface {
	// Stage downloads the entry's artifact
	Stage(ctx context.Context, entry manifest.Entry) (*fetch.Artifact, error)
	// Cleanup removes everything staged
	Cleanup() error
}

// Installer places a staged artifact at its final path
type Installer interface {
	// Install decodes art into dest, checking it against expectedHash
	Install(ctx context.Context, art *fetch.Artifact, dest, expectedHash string) error
}

// Engine orchestrates the sync process
type Engine struct {
	cfg       *config.Config
	manifests manifest.Client
	stager    Stager
	installer Installer
	reporter  Reporter
	logger    *slog.Logger
	dryRun    bool
}

// NewEngine creates a new sync engine. A nil reporter discards progress.
func NewEngine(cfg *config.Config, manifests manifest.Client, stager Stager, installer Installer, reporter Reporter, logger *slog.Logger, dryRun bool) *Engine {
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Engine{
		cfg:       cfg,
		manifests: manifests,
		stager:    stager,
		installer: installer,
		reporter:  reporter,
		logger:    logger,
		dryRun:    dryRun,
	}
}

// Run executes one complete sync. The returned report is never nil; the
// error is non-nil whenever the report status is not done.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		Status:    StatusFailed,
		DryRun:    e.dryRun,
		Planned:   []string{},
		Installed: []string{},
		StartedAt: time.Now(),
	}
	logger := e.logger.With("run_id", report.RunID)

	err := e.run(ctx, logger, report)

	report.FinishedAt = time.Now()
	report.Message = e.message(report, err)
	if err != nil {
		e.reporter.Phase(PhaseFailed)
	} else {
		e.reporter.Phase(PhaseDone)
	}
	e.reporter.Finish(report)

	return report, err
}

// Plan runs only the checking and planning phases
func (e *Engine) Plan(ctx context.Context) (*Plan, error) {
	host, err := platform.Resolve(e.cfg.Sync.Platform)
	if err != nil {
		return nil, fmt.Errorf("failed to determine platform: %w", err)
	}
	return e.plan(ctx, e.logger, host)
}

func (e *Engine) run(ctx context.Context, logger *slog.Logger, report *Report) error {
	host, err := platform.Resolve(e.cfg.Sync.Platform)
	if err != nil {
		return fmt.Errorf("failed to determine platform: %w", err)
	}

	logger.Info("starting sync",
		"manifest", e.cfg.Remote.ManifestURL,
		"install_dir", e.cfg.Paths.InstallDir,
		"platform", host,
		"dry_run", e.dryRun)

	plan, err := e.plan(ctx, logger, host)
	if err != nil {
		return err
	}
	report.Planned = plan.Keys()

	// check for dry-run mode
	if e.dryRun {
		e.logPlanDetails(logger, plan)
		logger.Info("dry-run complete, no changes applied")
		report.Status = StatusDone
		return nil
	}

	if plan.Empty() {
		logger.Info("installation is up to date")
		report.Status = StatusDone
		return nil
	}

	e.reporter.Phase(PhaseSyncing)
	syncErr := e.syncPlan(ctx, logger, plan, report)

	// Cleanup failures never fail the run
	e.reporter.Phase(PhaseCleanup)
	if err := e.stager.Cleanup(); err != nil {
		logger.Warn("failed to clean up staging directory", "error", err)
	}

	switch {
	case syncErr == nil:
		report.Status = StatusDone
		logger.Info("sync completed successfully", "installed", len(report.Installed))
		return nil
	case syncerr.KindOf(syncErr) == syncerr.ErrCanceled || !e.cfg.ContinueOnError():
		return syncErr
	case len(report.Installed) > 0:
		report.Status = StatusPartial
	}
	return fmt.Errorf("%d of %d files failed to sync: %w", len(report.Failed), len(plan.Items), syncErr)
}

// plan fetches the manifest, inspects the installation and builds the plan
func (e *Engine) plan(ctx context.Context, logger *slog.Logger, host platform.Tag) (*Plan, error) {
	e.reporter.Phase(PhaseChecking)
	m, err := e.manifests.Fetch(ctx)
	if err != nil {
		return nil, canceledOr(ctx, fmt.Errorf("failed to fetch manifest: %w", err))
	}
	logger.Info("manifest fetched", "entries", m.Len())

	e.reporter.Phase(PhasePlanning)

	installDir := e.cfg.Paths.InstallDir
	info, err := os.Stat(installDir)
	if err != nil || !info.IsDir() {
		return nil, syncerr.New(syncerr.ErrNotFound, "plan", installDir, err)
	}

	states, err := Resolve(ctx, installDir, Applicable(m, host))
	if err != nil {
		return nil, canceledOr(ctx, err)
	}
	for _, s := range states {
		if s.Err != nil {
			logger.Warn("cannot read installed file, it will be downloaded again", "file", s.Key, "error", s.Err)
		}
	}

	plan := BuildPlan(m, states, host)
	for _, key := range plan.Skipped {
		logger.Warn("manifest entry lists no platforms, skipping", "file", key)
	}

	logger.Info("sync plan",
		"selected", len(plan.Items),
		"up_to_date", plan.UpToDate,
		"other_platforms", plan.Foreign,
		"skipped", len(plan.Skipped))

	return plan, nil
}

// syncPlan stages and installs every item in plan order. Downloads may run
// ahead of installation by up to sync.concurrency items.
func (e *Engine) syncPlan(ctx context.Context, logger *slog.Logger, plan *Plan, report *Report) error {
	items := plan.Items
	total := len(items)

	pctx, cancel := context.WithCancel(ctx)
	pf := e.prefetch(pctx, items, e.cfg.Sync.Concurrency)
	defer func() {
		cancel()
		pf.wait()
	}()

	var firstErr error
	for i, item := range items {
		key, download := item.Entry.Key, item.Entry.DownloadName
		if err := ctx.Err(); err != nil {
			return canceledOr(ctx, err)
		}

		e.reporter.Progress(Progress{Done: i, Total: total, File: key, Download: download, Step: StepFetching})

		var res stageResult
		select {
		case res = <-pf.results[i]:
		case <-ctx.Done():
			return canceledOr(ctx, ctx.Err())
		}

		err := res.err
		if err == nil {
			e.reporter.Progress(Progress{Done: i, Total: total, File: key, Download: download, Step: StepExtracting})
			err = e.install(ctx, logger, item, res)
		}

		if err != nil {
			if ctx.Err() != nil {
				return canceledOr(ctx, err)
			}
			e.reporter.Progress(Progress{Done: i, Total: total, File: key, Download: download, Step: StepFailed})
			report.Failed = append(report.Failed, FileFailure{
				Key:   key,
				Kind:  syncerr.KindName(err),
				Error: err.Error(),
			})
			logger.Error("failed to sync file", "file", key, "error", err)

			if !e.cfg.ContinueOnError() {
				// stop prefetching before a slot frees up
				cancel()
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		} else {
			report.Installed = append(report.Installed, key)
			e.reporter.Progress(Progress{Done: i + 1, Total: total, File: key, Download: download, Step: StepInstalled})
		}

		pf.release()
	}

	return firstErr
}

// install places one staged artifact and drops it from the staging area
func (e *Engine) install(ctx context.Context, logger *slog.Logger, item PlanItem, res stageResult) error {
	key := item.Entry.Key
	dest, err := KeyPath(e.cfg.Paths.InstallDir, key)
	if err != nil {
		return syncerr.IO("install", key, err)
	}

	start := time.Now()
	if err := e.installer.Install(ctx, res.art, dest, item.Entry.Hash); err != nil {
		return err
	}

	logger.Info("file updated",
		"file", key,
		"reason", item.Reason,
		"bytes", res.art.Size,
		"download", res.took,
		"extract", time.Since(start))

	if err := os.Remove(res.art.Path); err != nil && !os.IsNotExist(err) {
		logger.Debug("failed to remove staged artifact early", "path", res.art.Path, "error", err)
	}
	return nil
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(logger *slog.Logger, plan *Plan) {
	for _, item := range plan.Items {
		logger.Info("[dry-run] would download",
			"file", item.Entry.Key,
			"artifact", item.Entry.DownloadName,
			"reason", item.Reason)
	}
}

// message builds the user-facing summary of a run
func (e *Engine) message(report *Report, err error) string {
	switch {
	case err == nil && report.DryRun:
		return fmt.Sprintf("%d files would be updated.", len(report.Planned))
	case err == nil && len(report.Planned) == 0:
		return "Game files are up to date."
	case err == nil:
		return fmt.Sprintf("Updated %d files.", len(report.Installed))
	case report.Status == StatusPartial:
		return fmt.Sprintf("Updated %d of %d files. %s", len(report.Installed), len(report.Planned), syncerr.Message(err))
	default:
		return syncerr.Message(err)
	}
}

// canceledOr reports a canceled run as syncerr.ErrCanceled and passes any
// other error through.
func canceledOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return syncerr.New(syncerr.ErrCanceled, "sync", "", ctxErr)
	}
	return err
}

type stageResult struct {
	art  *fetch.Artifact
	err  error
	took time.Duration
}

// prefetcher stages plan items on a bounded worker pool. A slot is taken
// per dispatched item and given back once the item has been handled, so at
// most `workers` artifacts wait in the staging area at a time.
type prefetcher struct {
	results []chan stageResult
	slots   chan struct{}
	wg      gosync.WaitGroup
}

func (e *Engine) prefetch(ctx context.Context, items []PlanItem, workers int) *prefetcher {
	if workers <= 0 {
		workers = 1
	}

	pf := &prefetcher{
		results: make([]chan stageResult, len(items)),
		slots:   make(chan struct{}, workers),
	}
	for i := range pf.results {
		pf.results[i] = make(chan stageResult, 1)
	}

	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		pf.wg.Add(1)
		go func() {
			defer pf.wg.Done()
			for i := range jobs {
				if err := ctx.Err(); err != nil {
					pf.results[i] <- stageResult{err: err}
					continue
				}
				start := time.Now()
				art, err := e.stager.Stage(ctx, items[i].Entry)
				pf.results[i] <- stageResult{art: art, err: err, took: time.Since(start)}
			}
		}()
	}

	pf.wg.Add(1)
	go func() {
		defer pf.wg.Done()
		defer close(jobs)
		for i := range items {
			select {
			case pf.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	return pf
}

func (pf *prefetcher) release() {
	<-pf.slots
}

func (pf *prefetcher) wait() {
	pf.wg.Wait()
}
