// Package domain holds the Job and TargetOutcome entities, their state
// machines and the invariants that must be enforced in code (in addition
// to store-level constraints in internal/store).
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/forkernet/forker/internal/ferrors"
)

// JobState is the job-level state machine.
type JobState string

const (
	JobDiscovered  JobState = "Discovered"
	JobQueued      JobState = "Queued"
	JobInProgress  JobState = "InProgress"
	JobPartial     JobState = "Partial"
	JobVerified    JobState = "Verified"
	JobFailed      JobState = "Failed"
	JobQuarantined JobState = "Quarantined"
)

func (s JobState) String() string { return string(s) }

// Terminal reports whether a job in this state can never transition again
// through the ordinary edges (Quarantined can still move via the single
// explicit RequeueFromQuarantine admin action, so it is not terminal here).
func (s JobState) Terminal() bool {
	return s == JobVerified || s == JobFailed
}

// jobEdges are the valid ordinary transitions. Quarantined -> Queued is
// deliberately excluded here: it is only reachable through
// Job.RequeueFromQuarantine, never through TransitionTo.
var jobEdges = newEdgeSet(map[JobState][]JobState{
	JobDiscovered: {JobQueued, JobFailed},
	JobQueued:     {JobInProgress, JobFailed},
	JobInProgress: {JobPartial, JobVerified, JobFailed, JobQuarantined},
	JobPartial:    {JobVerified, JobFailed, JobQuarantined},
	JobVerified:   {},
	JobFailed:     {},
	JobQuarantined: {},
})

// Job is the unit of work to replicate one source file to every required
// target. It is created by the orchestrator at stability and mutated only
// by the orchestrator.
type Job struct {
	ID              uuid.UUID
	SourcePath      string
	InitialSize     int64
	SourceHash      string // empty until first computed; write-once
	State           JobState
	RequiredTargets []string // ordered but set-semantic, non-empty
	CreatedAt       time.Time
	VersionToken    int64 // monotonic positive integer
}

// NewJob constructs a Job in state Discovered. requiredTargets must be
// non-empty; duplicates are removed while preserving first-seen order.
func NewJob(sourcePath string, initialSize int64, requiredTargets []string, now time.Time) (*Job, error) {
	if sourcePath == "" {
		return nil, ferrors.Configuration("sourcePath", "must not be empty")
	}
	if initialSize < 0 {
		return nil, ferrors.Configuration("initialSize", "must be >= 0")
	}
	targets := dedupPreserveOrder(requiredTargets)
	if len(targets) == 0 {
		return nil, ferrors.Configuration("requiredTargets", "must be non-empty")
	}
	return &Job{
		ID:              uuid.New(),
		SourcePath:      sourcePath,
		InitialSize:     initialSize,
		State:           JobDiscovered,
		RequiredTargets: targets,
		CreatedAt:       now,
		VersionToken:    1,
	}, nil
}

func dedupPreserveOrder(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// TransitionTo moves the job to next, validating the edge is allowed.
// Callers (the orchestrator) are responsible for persisting the result and
// bumping VersionToken via the store's CAS update.
func (j *Job) TransitionTo(next JobState) error {
	if err := jobEdges.check("Job", j.State, next, JobState.String); err != nil {
		return err
	}
	j.State = next
	return nil
}

// RequeueFromQuarantine is the single explicit exception to job-state
// monotonicity: Quarantined -> Queued, triggered only by an
// administrative release.
func (j *Job) RequeueFromQuarantine() error {
	if j.State != JobQuarantined {
		return ferrors.InvalidTransition("Job", j.State.String(), JobQueued.String())
	}
	j.State = JobQueued
	return nil
}

// SetSourceHash enforces write-once semantics: once non-empty, the
// source hash never changes. Setting the same value twice is a no-op.
func (j *Job) SetSourceHash(hash string) error {
	if j.SourceHash == "" {
		j.SourceHash = hash
		return nil
	}
	if j.SourceHash != hash {
		return ferrors.InvariantViolation("source-hash-write-once", "Job", "source hash is write-once and already set")
	}
	return nil
}

// HasTarget reports whether targetID is among the job's required targets.
func (j *Job) HasTarget(targetID string) bool {
	for _, t := range j.RequiredTargets {
		if t == targetID {
			return true
		}
	}
	return false
}
