package quarantine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forkernet/forker/internal/domain"
	"github.com/forkernet/forker/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "forker.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeRequeuer struct {
	requeued []uuid.UUID
}

func (f *fakeRequeuer) RequeueJob(jobID uuid.UUID) error {
	f.requeued = append(f.requeued, jobID)
	return nil
}

func seedQuarantinedJob(t *testing.T, s *store.Store) *domain.Job {
	t.Helper()
	job, err := domain.NewJob("/input/a.svs", 10, []string{"targetA", "targetB"}, time.Now())
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := s.SaveNewJob(job); err != nil {
		t.Fatalf("SaveNewJob: %v", err)
	}
	for _, st := range []domain.JobState{domain.JobQueued, domain.JobInProgress, domain.JobQuarantined} {
		if err := job.TransitionTo(st); err != nil {
			t.Fatalf("TransitionTo(%v): %v", st, err)
		}
		if err := s.UpdateJob(job); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}
	}
	return job
}

func TestRecordPersistsActiveEntry(t *testing.T) {
	s := openTestStore(t)
	m := New(s, nil)
	job := seedQuarantinedJob(t, s)

	entry, err := m.Record(job.ID, job.SourcePath, "deadbeef", "integrity mismatch at /dest/b/a.svs", []string{"targetB"}, time.Now())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if entry.Status != domain.QuarantineActive {
		t.Errorf("Status = %v, want Active", entry.Status)
	}

	fetched, err := m.Get(entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fetched.JobID != job.ID {
		t.Errorf("JobID = %v, want %v", fetched.JobID, job.ID)
	}
}

func TestReleaseRequeuesJobAndTransitionsEntry(t *testing.T) {
	s := openTestStore(t)
	requeuer := &fakeRequeuer{}
	m := New(s, requeuer)
	job := seedQuarantinedJob(t, s)

	entry, err := m.Record(job.ID, job.SourcePath, "deadbeef", "integrity mismatch at /dest/b/a.svs", []string{"targetB"}, time.Now())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	released, err := m.Release(entry.ID, "false alarm, rescanned clean", "operator1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.Status != domain.QuarantineReleased {
		t.Errorf("Status = %v, want Released", released.Status)
	}
	if released.ReleasedBy != "operator1" {
		t.Errorf("ReleasedBy = %q, want operator1", released.ReleasedBy)
	}

	reloadedJob, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if reloadedJob.State != domain.JobQueued {
		t.Errorf("job State = %v, want Queued after release", reloadedJob.State)
	}

	if len(requeuer.requeued) != 1 || requeuer.requeued[0] != job.ID {
		t.Errorf("requeued = %v, want [%v]", requeuer.requeued, job.ID)
	}
}

func TestPurgeDoesNotRequeue(t *testing.T) {
	s := openTestStore(t)
	requeuer := &fakeRequeuer{}
	m := New(s, requeuer)
	job := seedQuarantinedJob(t, s)

	entry, err := m.Record(job.ID, job.SourcePath, "deadbeef", "integrity mismatch at /dest/b/a.svs", []string{"targetB"}, time.Now())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	purged, err := m.Purge(entry.ID)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if purged.Status != domain.QuarantinePurged {
		t.Errorf("Status = %v, want Purged", purged.Status)
	}

	reloadedJob, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if reloadedJob.State != domain.JobQuarantined {
		t.Errorf("job State = %v, want still Quarantined after purge", reloadedJob.State)
	}
	if len(requeuer.requeued) != 0 {
		t.Errorf("requeued = %v, want none", requeuer.requeued)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	s := openTestStore(t)
	m := New(s, nil)
	jobA := seedQuarantinedJob(t, s)
	jobB := seedQuarantinedJob(t, s)

	entryA, err := m.Record(jobA.ID, jobA.SourcePath, "aaa", "integrity mismatch at /dest/a", []string{"targetA"}, time.Now())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := m.Record(jobB.ID, jobB.SourcePath, "bbb", "integrity mismatch at /dest/b", []string{"targetB"}, time.Now()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := m.Release(entryA.ID, "cleared", "operator1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	active, err := m.List(domain.QuarantineActive)
	if err != nil {
		t.Fatalf("List(Active): %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("len(active) = %d, want 1", len(active))
	}

	all, err := m.List("")
	if err != nil {
		t.Fatalf("List(\"\"): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
}
