// Package copyworker implements the per-target work unit that stages a
// copy through a temp file, fsyncs it and its parent directory, atomically
// renames it into place, and then re-reads to verify. The temp-then-rename
// staging copies to a temp path and renames over the final path, removing
// the temp file on failure; copy+hash itself lives in internal/hashpipe.
package copyworker

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forkernet/forker/internal/classifier"
	"github.com/forkernet/forker/internal/domain"
	"github.com/forkernet/forker/internal/ferrors"
	"github.com/forkernet/forker/internal/hashpipe"
)

// AuditLogger records terminal-transition and failure events for the
// audit trail; the orchestrator wires internal/auditlog's implementation.
type AuditLogger interface {
	TargetTransition(jobID, targetID string, from, to domain.CopyState, detail string)
}

// noopAuditLogger discards every event; used when the orchestrator is run
// without an audit sink configured.
type noopAuditLogger struct{}

func (noopAuditLogger) TargetTransition(string, string, domain.CopyState, domain.CopyState, string) {}

// Worker executes the Copy Protocol for one TargetOutcome at a time.
type Worker struct {
	DestRoot          string
	VerificationDelay time.Duration
	Audit             AuditLogger
}

// New constructs a Worker for the destination rooted at destRoot.
// verificationDelay is an artificial pause between Copied and Verifying,
// present only to let tests inject corruption out-of-band; it must be
// zero outside environment=Demo.
func New(destRoot string, verificationDelay time.Duration, audit AuditLogger) *Worker {
	if audit == nil {
		audit = noopAuditLogger{}
	}
	return &Worker{DestRoot: destRoot, VerificationDelay: verificationDelay, Audit: audit}
}

// JobView is the read-only slice of Job state the worker needs.
type JobView struct {
	ID         fmt.Stringer
	SourcePath string
	SourceHash string // may be empty if not yet published
}

// PublishSourceHash is called by the worker after copy+hash if the job has
// no source hash yet. It must implement the write-once CAS semantics of
// store.SetSourceHashIfUnset.
type PublishSourceHash func(computedHash string) (stored string, err error)

// Run executes the full copy protocol for target, persisting through
// persist after every transition. On return, target reflects its final
// state for this attempt: Verified, FailedRetryable or FailedPermanent.
// retryDelay is the classifier-computed backoff the caller should wait
// before re-dispatching a FailedRetryable target; it is zero unless err
// is non-nil and the target landed in FailedRetryable.
func (w *Worker) Run(job JobView, target *domain.TargetOutcome, persist func(*domain.TargetOutcome) error, publishSourceHash PublishSourceHash, policy classifier.Policy) (retryDelay time.Duration, err error) {
	now := time.Now

	// Step 1: Pending -> Copying, compute temp path.
	if target.CopyState == domain.CopyPending {
		if cause := w.startCopying(job, target, persist, now); cause != nil {
			return w.fail(target, persist, cause, policy, now)
		}
	}

	if target.CopyState == domain.CopyCopying {
		if cause := w.performCopy(job, target, persist, publishSourceHash, now); cause != nil {
			return w.fail(target, persist, cause, policy, now)
		}
	}

	if w.VerificationDelay > 0 {
		time.Sleep(w.VerificationDelay)
	}

	if target.CopyState == domain.CopyCopied {
		if err := target.TransitionTo(domain.CopyVerifying, now()); err != nil {
			return 0, err
		}
		w.Audit.TargetTransition(job.ID.String(), target.TargetID, domain.CopyCopied, domain.CopyVerifying, "")
		if err := persist(target); err != nil {
			return 0, err
		}
	}

	if target.CopyState == domain.CopyVerifying {
		return w.verify(job, target, persist, policy, now)
	}

	return 0, nil
}

func (w *Worker) startCopying(job JobView, target *domain.TargetOutcome, persist func(*domain.TargetOutcome) error, now func() time.Time) error {
	tempPath := filepath.Join(w.DestRoot, filepath.Base(job.SourcePath)+".part-"+job.ID.String())
	if err := target.TransitionTo(domain.CopyCopying, now()); err != nil {
		return err
	}
	target.TempPath = tempPath
	w.Audit.TargetTransition(job.ID.String(), target.TargetID, domain.CopyPending, domain.CopyCopying, tempPath)
	return persist(target)
}

func (w *Worker) performCopy(job JobView, target *domain.TargetOutcome, persist func(*domain.TargetOutcome) error, publishSourceHash PublishSourceHash, now func() time.Time) error {
	if target.TempPath == "" {
		target.TempPath = filepath.Join(w.DestRoot, filepath.Base(job.SourcePath)+".part-"+job.ID.String())
	}

	result, err := hashpipe.CopyAndHash(job.SourcePath, target.TempPath)
	if err != nil {
		return classifyIoErr(target.TempPath, err)
	}

	if err := fsyncDir(w.DestRoot); err != nil {
		return classifyIoErr(w.DestRoot, err)
	}

	sourceHash := job.SourceHash
	if sourceHash == "" && publishSourceHash != nil {
		stored, err := publishSourceHash(result.Hash)
		if err != nil {
			return err
		}
		sourceHash = stored
	}

	finalPath := filepath.Join(w.DestRoot, filepath.Base(job.SourcePath))
	if err := os.Rename(target.TempPath, finalPath); err != nil {
		return classifyIoErr(finalPath, err)
	}

	if err := target.TransitionTo(domain.CopyCopied, now()); err != nil {
		return err
	}
	target.Hash = result.Hash
	target.FinalPath = finalPath
	target.TempPath = ""
	w.Audit.TargetTransition(job.ID.String(), target.TargetID, domain.CopyCopying, domain.CopyCopied, finalPath)

	if sourceHash != "" && sourceHash != result.Hash {
		return ferrors.Integrity(sourceHash, result.Hash, finalPath)
	}

	return persist(target)
}

func (w *Worker) verify(job JobView, target *domain.TargetOutcome, persist func(*domain.TargetOutcome) error, policy classifier.Policy, now func() time.Time) (time.Duration, error) {
	expected := job.SourceHash
	if expected == "" {
		expected = target.Hash
	}

	result, err := hashpipe.VerifyFile(target.FinalPath, expected)
	if err != nil {
		return w.fail(target, persist, classifyIoErr(target.FinalPath, err), policy, now)
	}

	if result.Matched {
		if err := target.TransitionTo(domain.CopyVerified, now()); err != nil {
			return 0, err
		}
		w.Audit.TargetTransition(job.ID.String(), target.TargetID, domain.CopyVerifying, domain.CopyVerified, "")
		return 0, persist(target)
	}

	return w.fail(target, persist, ferrors.Integrity(expected, result.Computed, target.FinalPath), policy, now)
}

// fail routes a failure through the classifier and applies the resulting
// decision to target, persisting the new state. The returned duration is
// decision.Delay when the target was marked retryable, zero otherwise.
func (w *Worker) fail(target *domain.TargetOutcome, persist func(*domain.TargetOutcome) error, cause error, policy classifier.Policy, now func() time.Time) (time.Duration, error) {
	category := classifier.Classify(cause)
	decision := classifier.Decide(target.Attempts+1, category, policy, cause.Error())
	from := target.CopyState

	var retryDelay time.Duration
	switch decision.Kind {
	case classifier.DecisionRetry:
		if err := target.MarkRetryableFailure(cause.Error(), now()); err != nil {
			return 0, err
		}
		retryDelay = decision.Delay
	default:
		if err := target.MarkPermanentFailure(cause.Error(), now()); err != nil {
			return 0, err
		}
	}

	w.Audit.TargetTransition(target.JobID, target.TargetID, from, target.CopyState, cause.Error())
	if err := persist(target); err != nil {
		return 0, err
	}
	return retryDelay, cause
}

// classifyIoErr wraps a raw OS error into a ferrors.IoError with a best-
// effort kind, so the classifier's heuristics can key off it instead of
// matching on syscall errno directly at every call site.
func classifyIoErr(path string, err error) error {
	switch {
	case os.IsNotExist(err):
		return ferrors.Io(ferrors.IoKindNotFound, path, err)
	case os.IsPermission(err):
		return ferrors.Io(ferrors.IoKindPermission, path, err)
	case os.IsTimeout(err):
		return ferrors.Io(ferrors.IoKindTimedOut, path, err)
	default:
		return ferrors.Io(ferrors.IoKindOther, path, err)
	}
}

// fsyncDir fsyncs a directory's entry table, ensuring a rename into it is
// durable even across a crash.
func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Sync()
}

// Reconcile applies the crash-safety rules to a TargetOutcome found on
// restart, before any worker is dispatched to it:
//   - Copying: delete the temp file (if present) and reset to Pending,
//     preserving Attempts.
//   - Copied: re-enter at Verifying (no mutation needed; Run's state
//     check already resumes from Copied by transitioning forward).
//   - Verifying: re-enter at Verifying, idempotently (Run's verify step
//     re-reads and compares regardless of how it got there).
func Reconcile(target *domain.TargetOutcome, now time.Time) error {
	if target.CopyState != domain.CopyCopying {
		return nil
	}
	if target.TempPath != "" {
		_ = os.Remove(target.TempPath)
	}
	return target.ReconcileCopyingToPending(now)
}
