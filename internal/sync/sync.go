package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	gosync "sync"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mapsyncd/mapsyncd/internal/config"
	"github.com/mapsyncd/mapsyncd/internal/github"
	"github.com/mapsyncd/mapsyncd/internal/mapdir"
)

// ErrEmptyRepository is returned for sources without a repository name
var ErrEmptyRepository = errors.New("source has no repository")

// Engine orchestrates the mirror process
type Engine struct {
	cfg    *config.Config
	client github.Client
	logger *slog.Logger
	dryRun bool

	out      *lockedWriter
	progress io.Writer
}

// NewEngine creates a new sync engine. Progress lines are written to
// os.Stdout until SetOutput is called.
func NewEngine(cfg *config.Config, client github.Client, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:    cfg,
		client: client,
		logger: logger,
		dryRun: dryRun,
		out:    &lockedWriter{w: os.Stdout},
	}
}

// SetOutput redirects the progress lines
func (e *Engine) SetOutput(w io.Writer) {
	e.out = &lockedWriter{w: w}
}

// SetProgressBar enables a per-repository progress bar rendered to w.
// A nil writer disables it.
func (e *Engine) SetProgressBar(w io.Writer) {
	e.progress = w
}

// Run mirrors every configured source in order. Unavailable repositories are
// logged and skipped. The only error returned is the context error when the
// run was interrupted; the summary then covers the work done so far.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	e.logger.Info("starting sync",
		"sources", len(e.cfg.Sources),
		"output_dir", e.cfg.Paths.OutputDir,
		"concurrency", e.concurrency(),
		"dry_run", e.dryRun)

	for _, src := range e.cfg.Sources {
		if err := ctx.Err(); err != nil {
			e.logger.Info("sync interrupted", "repositories", summary.Repositories, "skipped", summary.Skipped)
			return summary, err
		}

		result, err := e.syncSource(ctx, src)
		if err != nil {
			summary.Skipped++
			continue
		}
		summary.Repositories++
		summary.add(result)
	}

	// an interrupt during the last repository still counts as interrupted
	if err := ctx.Err(); err != nil {
		e.logger.Info("sync interrupted", "repositories", summary.Repositories, "skipped", summary.Skipped)
		return summary, err
	}

	e.out.printf("Finished processing map images.\n")
	e.logger.Info("sync completed",
		"repositories", summary.Repositories,
		"skipped", summary.Skipped,
		"downloaded", summary.Downloaded,
		"up_to_date", summary.UpToDate,
		"failed", summary.Failed,
		"planned", summary.Planned)

	return summary, nil
}

// RunRepository mirrors a single configured repository. The name is matched
// case-insensitively against the configured sources.
func (e *Engine) RunRepository(ctx context.Context, repository string) (Result, error) {
	src, ok := e.cfg.FindSource(repository)
	if !ok {
		return Result{}, fmt.Errorf("repository %s is not configured", repository)
	}

	result, err := e.syncSource(ctx, src)
	if err != nil {
		return result, fmt.Errorf("failed to sync %s: %w", src.Repository, err)
	}
	return result, nil
}

// syncSource lists and classifies the tree of one source and syncs the result
func (e *Engine) syncSource(ctx context.Context, src config.Source) (Result, error) {
	repo := src.Repository
	if repo == "" {
		e.logger.Warn("skipping source without repository", "branch", src.Branch)
		return Result{}, ErrEmptyRepository
	}

	e.out.printf("Processing source: %s\n", repo)

	branch, err := e.client.ResolveBranch(ctx, repo, src.Branch)
	if err != nil {
		e.logger.Error("skipping repository", "repo", repo, "error", err)
		return Result{}, err
	}

	entries, err := e.client.ListTree(ctx, repo, branch)
	if err != nil {
		e.logger.Error("skipping repository", "repo", repo, "branch", branch, "error", err)
		return Result{}, err
	}

	targets := mapdir.Classify(e.cfg.Paths.OutputDir, entries)
	e.logger.Info("classified tree",
		"repo", repo,
		"branch", branch,
		"entries", len(entries),
		"targets", len(targets))

	return e.SyncTargets(ctx, repo, branch, targets), nil
}

// SyncTargets brings every target up to date with the remote. Targets whose
// record matches the remote fingerprint and whose file exists are skipped
// without a network call. Failures are logged and counted, never returned.
func (e *Engine) SyncTargets(ctx context.Context, repo, branch string, targets []mapdir.Target) Result {
	plan := e.buildPlan(targets)

	e.logger.Info("sync plan",
		"repo", repo,
		"download", len(plan.Download),
		"up_to_date", len(plan.UpToDate))

	result := Result{UpToDate: len(plan.UpToDate)}

	if e.dryRun {
		e.logPlanDetails(repo, plan)
		result.Planned = len(plan.Download)
		return result
	}

	result.add(e.applyPlan(ctx, repo, branch, plan))
	return result
}

// buildPlan splits targets into those that need a download and those that
// are already current
func (e *Engine) buildPlan(targets []mapdir.Target) *Plan {
	plan := &Plan{
		Download: make([]mapdir.Target, 0, len(targets)),
		UpToDate: make([]mapdir.Target, 0),
	}

	for _, t := range targets {
		if e.upToDate(t) {
			e.logger.Debug("map image is up to date", "dest", t.DestFile, "sha", t.SHA)
			plan.UpToDate = append(plan.UpToDate, t)
			continue
		}
		plan.Download = append(plan.Download, t)
	}

	return plan
}

func (e *Engine) upToDate(t mapdir.Target) bool {
	sha, ok, err := ReadRecord(t.RecordFile)
	if err != nil {
		e.logger.Warn("failed to read record (will download again)", "record", t.RecordFile, "error", err)
		return false
	}
	return ok && sha == t.SHA && fileExists(t.DestFile)
}

// applyPlan downloads the planned targets with at most sync.concurrency in
// flight. Once ctx is cancelled no further target is started; downloads
// already running finish on a detached context.
func (e *Engine) applyPlan(ctx context.Context, repo, branch string, plan *Plan) Result {
	bar := e.startBar(repo, len(plan.Download))
	defer bar.finish()

	workCtx := context.WithoutCancel(ctx)
	outcomes := make([]outcome, len(plan.Download))

	g := new(errgroup.Group)
	g.SetLimit(e.concurrency())

	for i, target := range plan.Download {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// the slot may have been granted after an interrupt
			if ctx.Err() != nil {
				return nil
			}
			if e.download(workCtx, repo, branch, target) {
				outcomes[i] = outcomeDownloaded
			} else {
				outcomes[i] = outcomeFailed
			}
			bar.increment()
			return nil
		})
	}
	_ = g.Wait()

	var result Result
	skipped := 0
	for _, o := range outcomes {
		switch o {
		case outcomeDownloaded:
			result.Downloaded++
		case outcomeFailed:
			result.Failed++
		default:
			skipped++
		}
	}
	if skipped > 0 {
		e.logger.Info("sync interrupted, remaining targets skipped", "repo", repo, "remaining", skipped)
	}
	return result
}

type outcome int

const (
	outcomeNotStarted outcome = iota
	outcomeDownloaded
	outcomeFailed
)

// download fetches one target and stores the content followed by its record
func (e *Engine) download(ctx context.Context, repo, branch string, t mapdir.Target) bool {
	e.out.printf("Downloading: %s -> %s -> %s\n", repo, t.SourcePath, t.DestFile)

	data, err := e.client.FetchFile(ctx, repo, branch, t.SourcePath, t.SHA)
	if err != nil {
		e.logger.Error("failed to download map image", "repo", repo, "path", t.SourcePath, "error", err)
		return false
	}

	if err := writeFileAtomic(t.DestFile, data, 0644); err != nil {
		e.logger.Error("failed to write map image", "dest", t.DestFile, "error", err)
		return false
	}

	if err := WriteRecord(t.RecordFile, t.SHA); err != nil {
		e.logger.Error("failed to write record", "record", t.RecordFile, "error", err)
		return false
	}

	e.logger.Debug("map image updated", "dest", t.DestFile, "sha", t.SHA, "bytes", len(data))
	return true
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(repo string, plan *Plan) {
	for _, t := range plan.Download {
		e.logger.Info("[dry-run] would download",
			"repo", repo,
			"source", t.SourcePath,
			"dest", t.DestFile,
			"sha", t.SHA)
	}
}

func (e *Engine) concurrency() int {
	if e.cfg.Sync.Concurrency < 1 {
		return 1
	}
	return e.cfg.Sync.Concurrency
}

// progressBar is a no-op when no bar was requested
type progressBar struct {
	bar *pb.ProgressBar
}

func (e *Engine) startBar(repo string, total int) *progressBar {
	if e.progress == nil || total == 0 {
		return &progressBar{}
	}
	bar := pb.Full.New(total).
		SetWriter(e.progress).
		Set("prefix", repo+" ").
		Start()
	return &progressBar{bar: bar}
}

func (p *progressBar) increment() {
	if p.bar != nil {
		p.bar.Increment()
	}
}

func (p *progressBar) finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}

// lockedWriter serializes progress lines from concurrent downloads
type lockedWriter struct {
	mu gosync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintf(l.w, format, args...)
}
