// Package quarantine records integrity failures for audit, and provides
// the single manual-requeue interface that lets an operator resume a job
// after inspecting the mismatch. Plain functions over the store, no
// hidden state.
package quarantine

import (
	"time"

	"github.com/google/uuid"

	"github.com/forkernet/forker/internal/domain"
)

// Store is the subset of *store.Store the quarantine manager depends on.
type Store interface {
	SaveQuarantineEntry(q *domain.QuarantineEntry) error
	UpdateQuarantineEntry(q *domain.QuarantineEntry) error
	GetQuarantineEntry(id uuid.UUID) (*domain.QuarantineEntry, error)
	ListQuarantineEntries(status domain.QuarantineStatus) ([]*domain.QuarantineEntry, error)
	GetJob(id uuid.UUID) (*domain.Job, error)
	UpdateJob(job *domain.Job) error
}

// Requeuer dispatches a released job's still-pending targets back onto the
// copy-worker pool. Implemented by *orchestrator.Engine; kept as a narrow
// interface here so quarantine does not import orchestrator.
type Requeuer interface {
	RequeueJob(jobID uuid.UUID) error
}

// Manager wires the quarantine table to the job state machine: Record
// adds the audit entry for a job already in Quarantined; Release and Purge
// move an entry through its own status edges, with Release additionally
// requeuing the underlying job.
type Manager struct {
	store    Store
	requeuer Requeuer
}

// New constructs a Manager.
func New(store Store, requeuer Requeuer) *Manager {
	return &Manager{store: store, requeuer: requeuer}
}

// Record persists a new Active QuarantineEntry for jobID's integrity
// failure. The caller (the orchestrator, via recomputeJobState observing
// Aggregate return Quarantined) is responsible for having already
// transitioned and persisted the job to Quarantined; Record only adds the
// audit trail entry.
func (m *Manager) Record(jobID uuid.UUID, sourcePath, expectedHash, reason string, affectedTargets []string, now time.Time) (*domain.QuarantineEntry, error) {
	entry := domain.NewQuarantineEntry(jobID, sourcePath, expectedHash, reason, affectedTargets, now)
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.SaveQuarantineEntry(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Release transitions entry to Released, then requeues the underlying job
// via RequeueFromQuarantine. If the job is not currently Quarantined (e.g.
// an operator already released it by another path), the requeue step is
// skipped but the quarantine entry still records Released.
func (m *Manager) Release(id uuid.UUID, reason, releasedBy string) (*domain.QuarantineEntry, error) {
	entry, err := m.store.GetQuarantineEntry(id)
	if err != nil {
		return nil, err
	}
	if err := entry.Release(reason, releasedBy); err != nil {
		return nil, err
	}

	job, err := m.store.GetJob(entry.JobID)
	if err != nil {
		return nil, err
	}
	if job.State == domain.JobQuarantined {
		if err := job.RequeueFromQuarantine(); err != nil {
			return nil, err
		}
		if err := m.store.UpdateJob(job); err != nil {
			return nil, err
		}
	}

	if err := m.store.UpdateQuarantineEntry(entry); err != nil {
		return nil, err
	}

	if job.State == domain.JobQueued && m.requeuer != nil {
		if err := m.requeuer.RequeueJob(job.ID); err != nil {
			return nil, err
		}
	}

	return entry, nil
}

// Purge transitions entry to Purged. Purge does not requeue the job or
// delete any Job/TargetOutcome rows; it only marks the quarantine record
// as administratively closed.
func (m *Manager) Purge(id uuid.UUID) (*domain.QuarantineEntry, error) {
	entry, err := m.store.GetQuarantineEntry(id)
	if err != nil {
		return nil, err
	}
	if err := entry.Purge(); err != nil {
		return nil, err
	}
	if err := m.store.UpdateQuarantineEntry(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get fetches a single quarantine entry by ID.
func (m *Manager) Get(id uuid.UUID) (*domain.QuarantineEntry, error) {
	return m.store.GetQuarantineEntry(id)
}

// List returns every entry with the given status; pass "" for all.
func (m *Manager) List(status domain.QuarantineStatus) ([]*domain.QuarantineEntry, error) {
	return m.store.ListQuarantineEntries(status)
}
