package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/schaermu/addonsyncd/internal/config"
	"github.com/schaermu/addonsyncd/internal/metrics"
	"github.com/schaermu/addonsyncd/internal/mirror"
	"github.com/schaermu/addonsyncd/internal/notify"
	"github.com/schaermu/addonsyncd/internal/remote"
	"github.com/schaermu/addonsyncd/internal/syncerr"
)

// Engine orchestrates the sync process
type Engine struct {
	cfg      *config.Config
	remote   remote.Client
	mirror   *mirror.Mirror
	store    *Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	dryRun   bool
}

// Option customizes an Engine
type Option func(*Engine)

// WithMetrics records cycle outcomes in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDryRun makes the engine log its plan without touching the mirror or the state
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) { e.dryRun = dryRun }
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, client remote.Client, notifier notify.Notifier, logger *slog.Logger, opts ...Option) (*Engine, error) {
	mir, err := mirror.New(cfg.Paths.MirrorDir, cfg.Sync.Ignore)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		remote:   client,
		mirror:   mir,
		store:    NewStore(cfg.StateFilePath()),
		notifier: notifier,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunOptions tune a single cycle
type RunOptions struct {
	// Full enumerates the whole remote tree even when the head did not move
	Full bool
	// Logger replaces the engine's logger for this cycle
	Logger *slog.Logger
}

// Run executes one sync cycle. The returned report is non-nil whenever the head commit
// could be resolved, also on failure. The stored commit only advances when every fetch,
// write, delete and prune of the cycle succeeded.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if opts.Logger != nil {
		scoped := *e
		scoped.logger = opts.Logger
		e = &scoped
	}

	start := time.Now()
	report, err := e.run(ctx, opts)

	cycle := metrics.Cycle{Mode: string(ModeNone), Result: "ok", Duration: time.Since(start)}
	if report != nil {
		cycle.Mode = string(report.Mode)
		cycle.Written = len(report.Written)
		cycle.Deleted = len(report.Deleted)
		cycle.Pruned = len(report.Pruned)
		cycle.Failed = len(report.Failed)
		if report.Mode == ModeNone {
			cycle.Result = "unchanged"
		}
	}
	if err != nil {
		cycle.Result = resultLabel(err)
		e.reportFailure(err)
	}
	e.metrics.ObserveCycle(cycle)

	return report, err
}

func (e *Engine) run(ctx context.Context, opts RunOptions) (*Report, error) {
	e.logger.Info("starting sync",
		"repo", e.cfg.RepoSlug(),
		"branch", e.cfg.Repo.Branch,
		"full", opts.Full,
		"dry_run", e.dryRun)

	// Ensure state directory exists
	if err := os.MkdirAll(e.cfg.Paths.StateDir, 0755); err != nil {
		return nil, syncerr.WithPath(syncerr.LocalIO, "create state directory", e.cfg.Paths.StateDir, err)
	}

	head, err := e.remote.HeadCommit(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve head commit: %w", err)
	}

	last, err := e.store.Load()
	if err != nil {
		e.logger.Warn("failed to load last commit (will bootstrap)", "error", err)
		last = ""
	}

	report := &Report{Commit: head, Previous: last, Mode: ModeNone}
	if head == last && !opts.Full {
		e.logger.Info("mirror is up to date", "commit", shortSHA(head))
		return report, nil
	}

	plan, err := e.buildPlan(ctx, last, head, opts.Full)
	if err != nil {
		return report, fmt.Errorf("failed to build sync plan: %w", err)
	}
	report.Mode = plan.Mode

	e.logger.Info("sync plan",
		"mode", plan.Mode,
		"from", shortSHA(last),
		"to", shortSHA(head),
		"write", len(plan.Write),
		"delete", len(plan.Delete),
		"remote_files", len(plan.Remote))

	// check for dry-run mode
	if e.dryRun {
		if err := e.preview(ctx, head, plan); err != nil {
			return report, err
		}
		e.logger.Info("dry-run complete, no changes applied")
		return report, nil
	}

	failures, err := e.applyPlan(ctx, head, plan, report)
	if err != nil {
		return report, err
	}
	if len(failures) > 0 {
		e.logger.Warn("sync finished with failures, commit not advanced",
			"failed", len(report.Failed),
			"commit", shortSHA(last))
		return report, syncerr.New(syncerr.LocalIO, "apply", errors.Join(failures...))
	}

	if head != last {
		if err := e.store.Save(head); err != nil {
			return report, fmt.Errorf("failed to save state: %w", err)
		}
		report.Advanced = true
	}

	if report.Advanced || report.Changed() {
		e.notifier.Notify(fmt.Sprintf("Add-on updated to commit %s", shortSHA(head)))
	}

	e.logger.Info("sync completed successfully",
		"commit", shortSHA(head),
		"written", len(report.Written),
		"deleted", len(report.Deleted),
		"pruned", len(report.Pruned))
	return report, nil
}

// buildPlan fetches the target tree and, for incremental cycles, the compare result
func (e *Engine) buildPlan(ctx context.Context, last, head string, full bool) (*Plan, error) {
	entries, err := e.remote.Tree(ctx, head)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Remote: remote.BlobPaths(entries)}
	switch {
	case last == "":
		plan.Mode = ModeBootstrap
	case full:
		plan.Mode = ModeFull
	default:
		plan.Mode = ModeIncremental
	}

	if plan.Mode == ModeIncremental {
		changes, err := e.remote.Compare(ctx, last, head)
		if err != nil {
			return nil, err
		}
		if limit := e.cfg.Sync.CompareFileLimit; limit > 0 && len(changes) >= limit {
			e.logger.Warn("compare result may be truncated, falling back to full reconciliation",
				"files", len(changes),
				"limit", limit)
			plan.Mode = ModeFull
		} else {
			e.planChanges(plan, changes)
			return plan, nil
		}
	}

	plan.Write = sortedKeys(plan.Remote)
	return plan, nil
}

// planChanges translates a compare result into writes and deletes
func (e *Engine) planChanges(plan *Plan, changes []remote.Change) {
	write := make(map[string]bool)
	del := make(map[string]bool)

	for _, c := range changes {
		switch c.Status {
		case remote.StatusUnchanged:
			continue
		case remote.StatusRemoved:
			del[c.Path] = true
			continue
		case remote.StatusRenamed:
			if c.PreviousPath != "" {
				del[c.PreviousPath] = true
			}
		case remote.StatusAdded, remote.StatusModified, remote.StatusCopied, remote.StatusChanged:
		default:
			e.logger.Warn("unknown change status, treating as modified", "path", c.Path, "status", c.Status)
		}

		// Submodules and other non-blob entries cannot be fetched as raw content
		if !plan.Remote[c.Path] {
			e.logger.Debug("skipping change without blob in target tree", "path", c.Path, "status", c.Status)
			continue
		}
		write[c.Path] = true
	}

	for p := range write {
		delete(del, p)
	}
	plan.Write = sortedKeys(write)
	plan.Delete = sortedKeys(del)
}

// applyPlan fetches and writes, deletes, then prunes. Local failures are collected per path
// and returned; remote failures and cancellation abort the cycle through err.
func (e *Engine) applyPlan(ctx context.Context, head string, plan *Plan, report *Report) (failures []error, err error) {
	for _, rel := range plan.Write {
		if err := ctx.Err(); err != nil {
			return failures, fmt.Errorf("sync aborted: %w", err)
		}

		data, err := e.remote.FetchContent(ctx, head, rel)
		if err != nil {
			return failures, fmt.Errorf("failed to fetch %s: %w", rel, err)
		}

		if e.mirror.Same(rel, data) {
			continue
		}
		existed := e.mirror.Exists(rel)
		if err := e.mirror.Write(rel, data); err != nil {
			e.logger.Error("failed to write file", "path", rel, "error", err)
			failures = append(failures, err)
			report.Failed = append(report.Failed, rel)
			continue
		}
		if existed {
			e.logger.Info("updated file", "path", rel, "bytes", len(data))
		} else {
			e.logger.Info("added file", "path", rel, "bytes", len(data))
		}
		report.Written = append(report.Written, rel)
	}

	for _, rel := range plan.Delete {
		if err := ctx.Err(); err != nil {
			return failures, fmt.Errorf("sync aborted: %w", err)
		}
		if e.mirror.Ignored(rel) {
			continue
		}
		removed, err := e.mirror.Remove(rel)
		if err != nil {
			e.logger.Error("failed to delete file", "path", rel, "error", err)
			failures = append(failures, err)
			report.Failed = append(report.Failed, rel)
			continue
		}
		if removed {
			e.logger.Info("deleted file", "path", rel)
			report.Deleted = append(report.Deleted, rel)
		}
	}

	pruned, err := e.mirror.Prune(ctx, plan.Remote)
	for _, rel := range pruned {
		e.logger.Info("pruned orphan", "path", rel)
	}
	report.Pruned = pruned
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return failures, fmt.Errorf("sync aborted: %w", ctxErr)
		}
		e.logger.Error("pruning had failures", "error", err)
		failures = append(failures, err)
		report.Failed = append(report.Failed, failedPaths(err)...)
	}

	return failures, nil
}

// reportFailure tells the user about failures they can act on; everything else is logged
func (e *Engine) reportFailure(err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.logger.Info("sync aborted", "error", err)
	case errors.Is(err, syncerr.ErrRateLimited):
		e.logger.Warn("remote rate limit reached", "error", err)
		e.notifier.Notify("GitHub request limit reached. The update check runs again later; " +
			"if this keeps happening wait one to two hours or restart your router to get a new IP address.")
	case errors.Is(err, syncerr.ErrNotFound):
		e.logger.Error("repository not found", "repo", e.cfg.RepoSlug(), "branch", e.cfg.Repo.Branch, "error", err)
		e.notifier.Notify(fmt.Sprintf("Repository %s (branch %s) was not found. Check the repository settings.",
			e.cfg.RepoSlug(), e.cfg.Repo.Branch))
	case errors.Is(err, syncerr.ErrMalformed):
		e.logger.Error("remote returned an unusable response", "error", err)
	case errors.Is(err, syncerr.ErrLocalIO):
		e.logger.Error("local filesystem failure", "error", err)
	default:
		e.logger.Error("sync failed", "error", err)
	}
}

func resultLabel(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "aborted"
	}
	if kind, ok := syncerr.KindOf(err); ok {
		return kind.String()
	}
	return "error"
}

// failedPaths collects the paths of all classified errors in a joined error
func failedPaths(err error) []string {
	var paths []string
	var walk func(error)
	walk = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		var se *syncerr.Error
		if errors.As(err, &se) && se.Path != "" {
			paths = append(paths, se.Path)
		}
	}
	walk(err)
	return paths
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
