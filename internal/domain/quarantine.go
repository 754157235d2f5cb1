package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/forkernet/forker/internal/ferrors"
)

// QuarantineStatus is the quarantine-entry lifecycle.
type QuarantineStatus string

const (
	QuarantineActive   QuarantineStatus = "Active"
	QuarantineReleased QuarantineStatus = "Released"
	QuarantinePurged   QuarantineStatus = "Purged"
)

func (s QuarantineStatus) String() string { return string(s) }

var quarantineEdges = newEdgeSet(map[QuarantineStatus][]QuarantineStatus{
	QuarantineActive:   {QuarantineReleased, QuarantinePurged},
	QuarantineReleased: {},
	QuarantinePurged:   {},
})

// QuarantineEntry records an integrity failure for audit and manual
// requeue, as a first-class persisted table rather than a logging stub.
type QuarantineEntry struct {
	ID              uuid.UUID
	JobID           uuid.UUID
	SourcePath      string
	ExpectedHash    string
	Reason          string
	AffectedTargets []string
	QuarantinedAt   time.Time
	Status          QuarantineStatus
	ReleaseReason   string
	ReleasedBy      string
}

// NewQuarantineEntry constructs an Active quarantine entry.
func NewQuarantineEntry(jobID uuid.UUID, sourcePath, expectedHash, reason string, affectedTargets []string, now time.Time) *QuarantineEntry {
	return &QuarantineEntry{
		ID:              uuid.New(),
		JobID:           jobID,
		SourcePath:      sourcePath,
		ExpectedHash:    expectedHash,
		Reason:          reason,
		AffectedTargets: affectedTargets,
		QuarantinedAt:   now,
		Status:          QuarantineActive,
	}
}

// Release transitions Active -> Released, recording who released it and why.
// It does not itself requeue the underlying job; the caller (quarantine
// manager) is responsible for invoking Job.RequeueFromQuarantine.
func (q *QuarantineEntry) Release(reason, releasedBy string) error {
	if err := quarantineEdges.check("QuarantineEntry", q.Status, QuarantineReleased, QuarantineStatus.String); err != nil {
		return err
	}
	q.Status = QuarantineReleased
	q.ReleaseReason = reason
	q.ReleasedBy = releasedBy
	return nil
}

// Purge transitions Active -> Purged (no requeue possible afterward).
func (q *QuarantineEntry) Purge() error {
	if err := quarantineEdges.check("QuarantineEntry", q.Status, QuarantinePurged, QuarantineStatus.String); err != nil {
		return err
	}
	q.Status = QuarantinePurged
	return nil
}

// Validate checks construction invariants beyond what the constructor
// already guarantees; used by the store when decoding persisted records.
func (q *QuarantineEntry) Validate() error {
	if q.SourcePath == "" {
		return ferrors.Configuration("sourcePath", "must not be empty")
	}
	if len(q.AffectedTargets) == 0 {
		return ferrors.Configuration("affectedTargets", "must be non-empty")
	}
	return nil
}
