package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forkernet/forker/internal/auditlog"
	"github.com/forkernet/forker/internal/classifier"
	"github.com/forkernet/forker/internal/config"
	"github.com/forkernet/forker/internal/copyworker"
	"github.com/forkernet/forker/internal/discovery"
	"github.com/forkernet/forker/internal/domain"
	"github.com/forkernet/forker/internal/intake"
	"github.com/forkernet/forker/internal/orchestrator"
	"github.com/forkernet/forker/internal/progress"
	"github.com/forkernet/forker/internal/quarantine"
	"github.com/forkernet/forker/internal/stability"
	"github.com/forkernet/forker/internal/store"
)

// runOptions holds CLI flags for the run subcommand.
type runOptions struct {
	workers    int
	noProgress bool
}

func newRunCmd(configPath *string) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the source directory and replicate arriving files to every destination",
		Long: `Runs the long-lived replication daemon: discovers files dropped into
directories.source, waits for each to stabilize, then copies it to
directories.targetA and directories.targetB with a streaming SHA-256 hash
and an independent re-read verification before releasing the job to
Verified. Integrity mismatches quarantine the job rather than retrying
silently.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDaemon(*configPath, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0,
		"Number of parallel copy workers (0 = number of destinations x 2)")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable the live job-count status line")

	return cmd
}

// jobCounts implements fmt.Stringer so progress.Bar.Describe can render it
// directly on its status line.
type jobCounts map[domain.JobState]int

func (c jobCounts) String() string {
	return fmt.Sprintf("discovered=%d queued=%d in-progress=%d partial=%d verified=%d failed=%d quarantined=%d",
		c[domain.JobDiscovered], c[domain.JobQueued], c[domain.JobInProgress],
		c[domain.JobPartial], c[domain.JobVerified], c[domain.JobFailed], c[domain.JobQuarantined])
}

// reportStatus periodically describes the job-count breakdown on bar until
// ctx is cancelled, at which point it prints a final summary line.
func reportStatus(ctx context.Context, st *store.Store, bar *progress.Bar) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if counts, err := st.CountsByState(); err == nil {
				bar.Finish(jobCounts(counts))
			}
			return
		case <-ticker.C:
			if counts, err := st.CountsByState(); err == nil {
				bar.Describe(jobCounts(counts))
			}
		}
	}
}

// drainErrors consumes errors from a channel and writes them to stderr.
func drainErrors(errs <-chan error) {
	for err := range errs {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

func runDaemon(configPath string, opts *runOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.Directories.Source, cfg.Directories.TargetA, cfg.Directories.TargetB, cfg.Directories.Quarantine, cfg.Directories.Processing} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	st, err := store.Open(cfg.Database.ConnectionString)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	audit := auditlog.NewStderr()

	workers := make(map[string]*copyworker.Worker)
	if cfg.Directories.TargetA != "" {
		workers["A"] = copyworker.New(cfg.Directories.TargetA, cfg.VerificationDelay(), audit)
	}
	if cfg.Directories.TargetB != "" {
		workers["B"] = copyworker.New(cfg.Directories.TargetB, cfg.VerificationDelay(), audit)
	}
	requiredTargets := make([]string, 0, len(workers))
	for id := range workers {
		requiredTargets = append(requiredTargets, id)
	}

	numWorkers := opts.workers
	if numWorkers < 1 {
		numWorkers = len(workers) * 2
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	policy := classifier.Policy{
		MaxAttempts: cfg.Target.MaxAttempts,
		BackoffBase: cfg.BackoffBase(),
		BackoffMax:  cfg.BackoffMax(),
		Jitter:      classifier.DefaultJitter,
	}

	engine := orchestrator.New(st, workers, policy, audit, numWorkers)
	quarantineMgr := quarantine.New(st, engine)
	engine.SetQuarantineRecorder(quarantineMgr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := reconcileOnStartup(st, engine); err != nil {
		return fmt.Errorf("crash-safety reconciliation: %w", err)
	}

	engine.Start(ctx)
	defer engine.Stop()

	bar := progress.New(!opts.noProgress, -1)
	go reportStatus(ctx, st, bar)

	errCh := make(chan error, 100)
	go drainErrors(errCh)
	defer close(errCh)

	detector := stability.New(cfg.Monitoring.MaxStabilityChecks, cfg.StabilityCheckInterval(), cfg.MinimumFileAge())
	dedupEngine := &sourcePathDedupEngine{store: st, inner: engine}
	loop := intake.New(detector, dedupEngine, requiredTargets, cfg.StabilityCheckInterval(), errCh)

	filter := discovery.Filter{IncludeGlobs: cfg.Monitoring.FileFilters, ExcludeExtensions: cfg.Monitoring.ExcludeExtensions}
	src := discovery.New([]string{cfg.Directories.Source}, filter, 30*time.Second, 5*time.Minute, errCh)

	candidates, err := src.Run(ctx)
	if err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}

	loop.Run(ctx, candidates)
	return nil
}

// sourcePathDedupEngine wraps *orchestrator.Engine to satisfy intake.Engine
// while consulting the store for an existing job on the same source path
// before creating a new one. A rescan that rediscovers a path already
// tracked by a non-Failed job must not spawn a second job for it.
type sourcePathDedupEngine struct {
	store *store.Store
	inner *orchestrator.Engine
}

func (d *sourcePathDedupEngine) SubmitJob(sourcePath string, initialSize int64, requiredTargets []string, now time.Time) (*domain.Job, error) {
	existing, err := d.store.ListBySourcePath(sourcePath)
	if err != nil {
		return nil, err
	}
	for _, j := range existing {
		if j.State != domain.JobFailed {
			return j, nil
		}
	}
	return d.inner.SubmitJob(sourcePath, initialSize, requiredTargets, now)
}

// reconcileOnStartup applies the crash-safety rules: a target found in
// Copying has its temp file removed and is reset to Pending (attempts
// preserved); jobs left Queued, InProgress or Partial at crash time are
// re-dispatched so their still-in-flight targets resume.
func reconcileOnStartup(st *store.Store, engine *orchestrator.Engine) error {
	now := time.Now()

	copying, err := st.ListTargetsByCopyState(domain.CopyCopying)
	if err != nil {
		return err
	}
	affected := make(map[uuid.UUID]bool)
	for _, target := range copying {
		if err := copyworker.Reconcile(target, now); err != nil {
			continue
		}
		if err := st.UpdateTarget(target); err != nil {
			return err
		}
		jobID, err := uuid.Parse(target.JobID)
		if err != nil {
			continue
		}
		affected[jobID] = true
	}

	for _, state := range []domain.JobState{domain.JobQueued, domain.JobInProgress, domain.JobPartial} {
		jobs, err := st.ListByState(state)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			affected[j.ID] = true
		}
	}

	for jobID := range affected {
		if err := engine.RequeueJob(jobID); err != nil {
			fmt.Fprintf(os.Stderr, "error: requeue job %s on startup: %v\n", jobID, err)
		}
	}
	return nil
}
