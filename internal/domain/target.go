package domain

import (
	"time"

	"github.com/forkernet/forker/internal/ferrors"
)

// CopyState is the per-target state machine.
type CopyState string

const (
	CopyPending         CopyState = "Pending"
	CopyCopying         CopyState = "Copying"
	CopyCopied          CopyState = "Copied"
	CopyVerifying       CopyState = "Verifying"
	CopyVerified        CopyState = "Verified"
	CopyFailedRetryable CopyState = "FailedRetryable"
	CopyFailedPermanent CopyState = "FailedPermanent"
)

func (s CopyState) String() string { return string(s) }

// Terminal reports whether a target in this state never transitions again.
func (s CopyState) Terminal() bool {
	return s == CopyVerified || s == CopyFailedPermanent
}

// InFlight reports whether a target is still being worked (pending retry or
// actively copying/verifying), used by the job aggregation rules.
func (s CopyState) InFlight() bool {
	switch s {
	case CopyPending, CopyCopying, CopyCopied, CopyVerifying, CopyFailedRetryable:
		return true
	default:
		return false
	}
}

var targetEdges = newEdgeSet(map[CopyState][]CopyState{
	CopyPending:         {CopyCopying, CopyFailedRetryable, CopyFailedPermanent},
	CopyCopying:         {CopyCopied, CopyFailedRetryable, CopyFailedPermanent},
	CopyCopied:          {CopyVerifying, CopyFailedRetryable, CopyFailedPermanent},
	CopyVerifying:       {CopyVerified, CopyFailedRetryable, CopyFailedPermanent},
	CopyVerified:        {},
	CopyFailedRetryable:  {CopyPending},
	CopyFailedPermanent: {},
})

// TargetOutcome is the per-destination subtask of a Job, keyed by
// (JobID, TargetID).
type TargetOutcome struct {
	JobID            string
	TargetID         string
	CopyState        CopyState
	Attempts         int
	Hash             string
	TempPath         string
	FinalPath        string
	LastError        string
	LastTransitionAt time.Time
}

// NewTargetOutcome constructs a TargetOutcome in state Pending for jobID's
// targetID.
func NewTargetOutcome(jobID, targetID string, now time.Time) *TargetOutcome {
	return &TargetOutcome{
		JobID:            jobID,
		TargetID:         targetID,
		CopyState:        CopyPending,
		LastTransitionAt: now,
	}
}

// TransitionTo moves the target to next, validating that Verifying is
// only reachable from Copied and the rest of the edge table. The caller
// supplies now for LastTransitionAt; the store persists the result under
// CAS.
func (t *TargetOutcome) TransitionTo(next CopyState, now time.Time) error {
	if err := targetEdges.check("TargetOutcome", t.CopyState, next, CopyState.String); err != nil {
		return err
	}
	t.CopyState = next
	t.LastTransitionAt = now
	return nil
}

// Retry applies the single FailedRetryable -> Pending edge, resetting
// TempPath while preserving Attempts, Hash, FinalPath and LastError.
func (t *TargetOutcome) Retry(now time.Time) error {
	if t.CopyState != CopyFailedRetryable {
		return ferrors.InvalidTransition("TargetOutcome", t.CopyState.String(), CopyPending.String())
	}
	t.CopyState = CopyPending
	t.TempPath = ""
	t.LastTransitionAt = now
	return nil
}

// ReconcileCopyingToPending is the crash-recovery escape hatch: a target
// found in Copying on restart has its temp file removed by the caller and
// is re-queued to Pending with Attempts preserved. This is not a
// reachable edge in targetEdges (Copying only ever progresses forward in
// normal operation); it exists only for restart-time reconciliation,
// mirroring Job.RequeueFromQuarantine.
func (t *TargetOutcome) ReconcileCopyingToPending(now time.Time) error {
	if t.CopyState != CopyCopying {
		return ferrors.InvalidTransition("TargetOutcome", t.CopyState.String(), CopyPending.String())
	}
	t.CopyState = CopyPending
	t.TempPath = ""
	t.LastTransitionAt = now
	return nil
}

// MarkPermanentFailure transitions to FailedPermanent: reaching the
// configured maximum attempt count for a target transitions it here; also
// reached directly on a non-retryable classification.
func (t *TargetOutcome) MarkPermanentFailure(reason string, now time.Time) error {
	if err := t.TransitionTo(CopyFailedPermanent, now); err != nil {
		return err
	}
	t.Attempts++
	t.LastError = reason
	return nil
}

// MarkRetryableFailure transitions to FailedRetryable, recording the error
// and incrementing the attempt counter.
func (t *TargetOutcome) MarkRetryableFailure(reason string, now time.Time) error {
	if err := t.TransitionTo(CopyFailedRetryable, now); err != nil {
		return err
	}
	t.Attempts++
	t.LastError = reason
	return nil
}
