// Package orchestrator implements the job orchestrator: the job and
// target state machines, aggregation rules, and the worker-pool dispatch
// that drives copy workers to completion. Aggregate itself is a small,
// pure function: compute a value from inputs, no hidden state.
package orchestrator

import "github.com/forkernet/forker/internal/domain"

// Aggregate recomputes a job's state from its required targets' current
// copy states. It does not mutate job or targets; the caller applies the
// result via job.TransitionTo under the store's CAS update.
//
// Precondition: targets contains exactly the TargetOutcomes for job's
// RequiredTargets (callers filter to required targets before calling, so
// an operator manually adding an extra, non-required destination's
// TargetOutcome can never perturb aggregation).
func Aggregate(job *domain.Job, targets []*domain.TargetOutcome) domain.JobState {
	if len(targets) == 0 {
		return job.State
	}

	var (
		verifiedCount    int
		inFlightCount    int
		integrityFailure bool
		permanentFailure bool
	)

	for _, t := range targets {
		switch {
		case t.CopyState == domain.CopyVerified:
			verifiedCount++
		case t.CopyState == domain.CopyFailedPermanent:
			if isIntegrityCause(t.LastError) {
				integrityFailure = true
			} else {
				permanentFailure = true
			}
		case t.CopyState.InFlight():
			inFlightCount++
		}
	}

	// Tie-break: integrity quarantine dominates failure.
	if integrityFailure {
		return domain.JobQuarantined
	}

	// Verified requires every required target to have verified.
	if verifiedCount == len(targets) {
		return domain.JobVerified
	}

	if verifiedCount > 0 && inFlightCount > 0 {
		return domain.JobPartial
	}

	if permanentFailure && inFlightCount == 0 {
		return domain.JobFailed
	}

	return domain.JobInProgress
}

// isIntegrityCause reports whether a target's recorded LastError
// originated from an integrity mismatch rather than a permanent I/O or
// classification failure. TargetOutcome stores only the error text, so
// the check relies on copyworker recording cause.Error() as LastError when
// it calls MarkPermanentFailure: for a ferrors.IntegrityError that text
// starts with integrityMarker.
func isIntegrityCause(lastError string) bool {
	return len(lastError) >= len(integrityMarker) && lastError[:len(integrityMarker)] == integrityMarker
}

// integrityMarker is the fixed prefix ferrors.IntegrityError.Error()
// produces ("integrity mismatch at ..."), used to recognize an integrity
// cause from the persisted LastError text without adding a separate
// typed field to TargetOutcome's schema.
const integrityMarker = "integrity mismatch at"
