package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forkernet/forker/internal/classifier"
	"github.com/forkernet/forker/internal/copyworker"
	"github.com/forkernet/forker/internal/domain"
	"github.com/forkernet/forker/internal/ferrors"
)

// Store is the subset of *store.Store the orchestrator depends on.
type Store interface {
	SaveNewJob(job *domain.Job) error
	UpdateJob(job *domain.Job) error
	GetJob(id uuid.UUID) (*domain.Job, error)
	SaveNewTarget(t *domain.TargetOutcome) error
	UpdateTarget(t *domain.TargetOutcome) error
	ListTargetsForJob(jobID uuid.UUID) ([]*domain.TargetOutcome, error)
	ListByState(state domain.JobState) ([]*domain.Job, error)
	SetSourceHashIfUnset(id uuid.UUID, hash string) (string, bool, error)
}

// maxCASRetries bounds the version-token compare-and-set retry loop:
// concurrency conflicts retry with a fresh read-modify-write up to a
// small bound; if still conflicted, the operation is abandoned and
// re-driven by the next event.
const maxCASRetries = 5

// workItem identifies one (job, target) pair queued for a copy worker.
type workItem struct {
	jobID    uuid.UUID
	targetID string
}

// QuarantineRecorder records a QuarantineEntry when a job aggregates to
// Quarantined. Implemented by *quarantine.Manager; kept as a narrow
// interface here so orchestrator does not import quarantine.
type QuarantineRecorder interface {
	Record(jobID uuid.UUID, sourcePath, expectedHash, reason string, affectedTargets []string, now time.Time) (*domain.QuarantineEntry, error)
}

// Engine dispatches copy work across a bounded pool of goroutines,
// applying the job/target state machines and aggregation rules after
// every target completion, using a worker-pool + job-queue +
// pending-WaitGroup pattern sized for a long-lived dispatch loop.
type Engine struct {
	store      Store
	workers    map[string]*copyworker.Worker // target ID -> worker for that destination
	policy     classifier.Policy
	audit      copyworker.AuditLogger
	quarantine QuarantineRecorder

	queue      chan workItem
	numWorkers int
	wg         sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New constructs an Engine. workers maps each required target ID to the
// copyworker.Worker responsible for copying to that destination.
// numWorkers bounds the global degree of parallelism: a bounded pool of
// copy workers, typically sized to the number of destinations times a
// small factor.
func New(store Store, workers map[string]*copyworker.Worker, policy classifier.Policy, audit copyworker.AuditLogger, numWorkers int) *Engine {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Engine{
		store:      store,
		workers:    workers,
		policy:     policy,
		audit:      audit,
		queue:      make(chan workItem, 1024),
		numWorkers: numWorkers,
	}
}

// SetQuarantineRecorder wires the quarantine manager in after construction,
// breaking the natural import cycle (quarantine.Manager needs a Requeuer
// that is satisfied by *Engine itself).
func (e *Engine) SetQuarantineRecorder(r QuarantineRecorder) {
	e.quarantine = r
}

// Start launches the worker pool. Workers exit when ctx is cancelled, or
// once Stop has closed the queue and it has drained.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	for i := 0; i < e.numWorkers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item, ok := <-e.queue:
					if !ok {
						return
					}
					e.process(item)
				}
			}
		}()
	}
}

// Stop closes the work queue and waits for in-flight items to finish.
// In-flight copies are expected to either complete or transition to
// FailedRetryable at their next persist point — Stop does not forcibly
// interrupt a running copyworker.Worker.Run call.
func (e *Engine) Stop() {
	close(e.queue)
	e.wg.Wait()
}

// SubmitJob persists a new Job in Discovered state together with one
// Pending TargetOutcome per required target, transitions it to Queued,
// and enqueues a work item for every target. This is the entry point
// called once the Stability Detector reports Stable for a path.
func (e *Engine) SubmitJob(sourcePath string, initialSize int64, requiredTargets []string, now time.Time) (*domain.Job, error) {
	job, err := domain.NewJob(sourcePath, initialSize, requiredTargets, now)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveNewJob(job); err != nil {
		return nil, err
	}

	for _, targetID := range job.RequiredTargets {
		target := domain.NewTargetOutcome(job.ID.String(), targetID, now)
		if err := e.store.SaveNewTarget(target); err != nil {
			return nil, err
		}
	}

	if err := e.transitionJob(job.ID, domain.JobQueued); err != nil {
		return nil, err
	}

	e.dispatchAll(job.ID, job.RequiredTargets)
	return job, nil
}

// RequeueJob dispatches a job already in Queued state (e.g. after
// Quarantine release) without re-persisting it, used by
// internal/quarantine after calling Job.RequeueFromQuarantine.
func (e *Engine) RequeueJob(jobID uuid.UUID) error {
	job, err := e.store.GetJob(jobID)
	if err != nil {
		return err
	}
	targets, err := e.store.ListTargetsForJob(jobID)
	if err != nil {
		return err
	}
	var toDispatch []string
	for _, t := range targets {
		if !t.CopyState.Terminal() {
			toDispatch = append(toDispatch, t.TargetID)
		}
	}
	_ = job
	e.dispatchAll(jobID, toDispatch)
	return nil
}

func (e *Engine) dispatchAll(jobID uuid.UUID, targetIDs []string) {
	for _, targetID := range targetIDs {
		select {
		case e.queue <- workItem{jobID: jobID, targetID: targetID}:
		default:
			// Queue momentarily full: spawn a short-lived sender so SubmitJob
			// never blocks the caller (the stability/discovery loop).
			go func(item workItem) { e.queue <- item }(workItem{jobID: jobID, targetID: targetID})
		}
	}
}

// process runs the Copy Protocol for one (job, target) work item and
// then recomputes the owning job's aggregated state.
func (e *Engine) process(item workItem) {
	job, err := e.store.GetJob(item.jobID)
	if err != nil {
		return
	}
	targets, err := e.store.ListTargetsForJob(item.jobID)
	if err != nil {
		return
	}
	var target *domain.TargetOutcome
	for _, t := range targets {
		if t.TargetID == item.targetID {
			target = t
			break
		}
	}
	if target == nil || target.CopyState.Terminal() {
		return
	}

	worker, ok := e.workers[item.targetID]
	if !ok {
		return
	}

	view := copyworker.JobView{ID: job.ID, SourcePath: job.SourcePath, SourceHash: job.SourceHash}
	publish := func(computed string) (string, error) {
		stored, _, err := e.store.SetSourceHashIfUnset(job.ID, computed)
		return stored, err
	}

	retryDelay, _ := worker.Run(view, target, e.store.UpdateTarget, publish, e.policy)

	if target.CopyState == domain.CopyFailedRetryable {
		e.scheduleRetry(item, retryDelay)
	}

	e.recomputeJobState(item.jobID)
}

// scheduleRetry re-enqueues a FailedRetryable target's underlying Pending
// attempt after waiting out delay, the classifier-computed backoff
// returned by copyworker.Worker.Run. A production deployment would drive
// this from a persistent due-time index; this in-memory timer is
// sufficient given the engine is a single long-lived process.
func (e *Engine) scheduleRetry(item workItem, delay time.Duration) {
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		target, err := e.lookupTarget(item)
		if err != nil {
			return
		}
		if err := target.Retry(time.Now()); err != nil {
			return
		}
		if err := e.store.UpdateTarget(target); err != nil {
			return
		}
		e.dispatchAll(item.jobID, []string{item.targetID})
	}()
}

func (e *Engine) lookupTarget(item workItem) (*domain.TargetOutcome, error) {
	targets, err := e.store.ListTargetsForJob(item.jobID)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if t.TargetID == item.targetID {
			return t, nil
		}
	}
	return nil, ferrors.NotFound("TargetOutcome", item.targetID)
}

// recomputeJobState applies the aggregation rules and persists the
// resulting job state under a bounded CAS retry loop.
func (e *Engine) recomputeJobState(jobID uuid.UUID) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		job, err := e.store.GetJob(jobID)
		if err != nil {
			return
		}
		if job.State.Terminal() || job.State == domain.JobQuarantined {
			return
		}
		targets, err := e.store.ListTargetsForJob(jobID)
		if err != nil {
			return
		}
		next := Aggregate(job, targets)
		if next == job.State {
			return
		}
		if err := job.TransitionTo(next); err != nil {
			return
		}
		err = e.store.UpdateJob(job)
		if err != nil {
			var concurrency *ferrors.ConcurrencyError
			if !errors.As(err, &concurrency) {
				return
			}
			// stale version token: retry with a fresh read
			continue
		}
		if next == domain.JobQuarantined && e.quarantine != nil {
			e.recordQuarantine(job, targets)
		}
		return
	}
}

// recordQuarantine gathers the integrity-failed targets and their common
// expected hash for the audit entry, and emits a quarantine log record when
// the audit logger supports one. Best-effort: errors from Record are
// discarded, and the job has already committed to Quarantined regardless.
func (e *Engine) recordQuarantine(job *domain.Job, targets []*domain.TargetOutcome) {
	var affected []string
	var reason string
	for _, t := range targets {
		if t.CopyState == domain.CopyFailedPermanent && isIntegrityCause(t.LastError) {
			affected = append(affected, t.TargetID)
			reason = t.LastError
		}
	}
	if len(affected) == 0 {
		return
	}
	if ql, ok := e.audit.(interface {
		Quarantined(jobID, sourcePath, reason string, affectedTargets []string)
	}); ok {
		ql.Quarantined(job.ID.String(), job.SourcePath, reason, affected)
	}
	_, _ = e.quarantine.Record(job.ID, job.SourcePath, job.SourceHash, reason, affected, time.Now())
}

func (e *Engine) transitionJob(jobID uuid.UUID, next domain.JobState) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		job, err := e.store.GetJob(jobID)
		if err != nil {
			return err
		}
		if err := job.TransitionTo(next); err != nil {
			return err
		}
		err = e.store.UpdateJob(job)
		if err == nil {
			return nil
		}
		var concurrency *ferrors.ConcurrencyError
		if !errors.As(err, &concurrency) {
			return err
		}
	}
	return ferrors.Concurrency(0, 0)
}
