package store

import (
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/forkernet/forker/internal/domain"
	"github.com/forkernet/forker/internal/ferrors"
)

// SaveNewJob persists job, failing if a job with the same ID already
// exists.
func (s *Store) SaveNewJob(job *domain.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket([]byte(bucketJobs))
		key := jobKey(job.ID)
		if jobs.Get(key) != nil {
			return ferrors.InvariantViolation("save_new_job", "Job", "job-id already present: "+job.ID.String())
		}
		return s.putJob(tx, job, key)
	})
}

// putJob writes the record and refreshes its secondary index entries. It
// does not check existence; callers decide insert-vs-update semantics.
func (s *Store) putJob(tx *bolt.Tx, job *domain.Job, key []byte) error {
	jobs := tx.Bucket([]byte(bucketJobs))
	byState := tx.Bucket([]byte(bucketJobsByState))
	bySourcePath := tx.Bucket([]byte(bucketJobsBySourcePath))

	// Drop stale index entries from the previous version of this record, if any.
	if old := jobs.Get(key); old != nil {
		var prev domain.Job
		if err := decode(old, &prev); err == nil {
			_ = byState.Delete(indexKey(string(prev.State), key))
			_ = bySourcePath.Delete(indexKey(prev.SourcePath, key))
		}
	}

	data, err := encode(job)
	if err != nil {
		return err
	}
	if err := jobs.Put(key, data); err != nil {
		return err
	}
	if err := byState.Put(indexKey(string(job.State), key), nil); err != nil {
		return err
	}
	return bySourcePath.Put(indexKey(job.SourcePath, key), nil)
}

// UpdateJob performs a compare-and-set on job.VersionToken: the persisted
// version must equal job.VersionToken, or the call fails with
// ferrors.ConcurrencyError{expected, actual}. NotFound if absent. On
// success the stored (and in-memory) version token is incremented by
// exactly one.
func (s *Store) UpdateJob(job *domain.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket([]byte(bucketJobs))
		key := jobKey(job.ID)
		raw := jobs.Get(key)
		if raw == nil {
			return ferrors.NotFound("Job", job.ID.String())
		}
		var current domain.Job
		if err := decode(raw, &current); err != nil {
			return err
		}
		if current.VersionToken != job.VersionToken {
			return ferrors.Concurrency(job.VersionToken, current.VersionToken)
		}
		// Source hash is write-once; the store enforces it independently of
		// the entity-level check, as a second line of defense under
		// concurrent updates.
		if current.SourceHash != "" && job.SourceHash != "" && current.SourceHash != job.SourceHash {
			return ferrors.InvariantViolation("source-hash-write-once", "Job", "source hash is write-once and already set")
		}
		job.VersionToken = current.VersionToken + 1
		return s.putJob(tx, job, key)
	})
}

// SetSourceHashIfUnset publishes Job.SourceHash the first time any target
// finishes copying, via a write-once, CAS-protected operation; later
// targets observe it already set and compare against it instead of
// racing to set their own. Returns the hash now stored on the job (either
// the one just set, or the pre-existing one) and whether this call was
// the one that set it.
func (s *Store) SetSourceHashIfUnset(id uuid.UUID, hash string) (stored string, setByThisCall bool, err error) {
	txErr := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket([]byte(bucketJobs))
		key := jobKey(id)
		raw := jobs.Get(key)
		if raw == nil {
			return ferrors.NotFound("Job", id.String())
		}
		var current domain.Job
		if err := decode(raw, &current); err != nil {
			return err
		}
		if current.SourceHash != "" {
			stored = current.SourceHash
			return nil
		}
		if err := current.SetSourceHash(hash); err != nil {
			return err
		}
		current.VersionToken++
		stored = hash
		setByThisCall = true
		return s.putJob(tx, &current, key)
	})
	if txErr != nil {
		return "", false, txErr
	}
	return stored, setByThisCall, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(id uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketJobs)).Get(jobKey(id))
		if raw == nil {
			return ferrors.NotFound("Job", id.String())
		}
		return decode(raw, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListByState returns every job currently in state.
func (s *Store) ListByState(state domain.JobState) ([]*domain.Job, error) {
	var out []*domain.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket([]byte(bucketJobs))
		c := tx.Bucket([]byte(bucketJobsByState)).Cursor()
		prefix := []byte(string(state) + "\x00")
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			_, primary := splitIndexKey(k)
			raw := jobs.Get([]byte(primary))
			if raw == nil {
				continue // stale index entry; ignore
			}
			var job domain.Job
			if err := decode(raw, &job); err != nil {
				return err
			}
			out = append(out, &job)
		}
		return nil
	})
	return out, err
}

// ListBySourcePath returns every job ever created for sourcePath (there may
// be more than one across retries/requeues of distinct drops).
func (s *Store) ListBySourcePath(sourcePath string) ([]*domain.Job, error) {
	var out []*domain.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket([]byte(bucketJobs))
		c := tx.Bucket([]byte(bucketJobsBySourcePath)).Cursor()
		prefix := []byte(sourcePath + "\x00")
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			_, primary := splitIndexKey(k)
			raw := jobs.Get([]byte(primary))
			if raw == nil {
				continue
			}
			var job domain.Job
			if err := decode(raw, &job); err != nil {
				return err
			}
			out = append(out, &job)
		}
		return nil
	})
	return out, err
}

// CountsByState returns the number of jobs in each state.
func (s *Store) CountsByState() (map[domain.JobState]int, error) {
	counts := make(map[domain.JobState]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketJobs)).ForEach(func(_, v []byte) error {
			var job domain.Job
			if err := decode(v, &job); err != nil {
				return err
			}
			counts[job.State]++
			return nil
		})
	})
	return counts, err
}

// DeleteJob removes a job and cascades to all of its TargetOutcomes.
func (s *Store) DeleteJob(id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket([]byte(bucketJobs))
		key := jobKey(id)
		raw := jobs.Get(key)
		if raw == nil {
			return ferrors.NotFound("Job", id.String())
		}
		var job domain.Job
		if err := decode(raw, &job); err != nil {
			return err
		}

		byState := tx.Bucket([]byte(bucketJobsByState))
		bySourcePath := tx.Bucket([]byte(bucketJobsBySourcePath))
		_ = byState.Delete(indexKey(string(job.State), key))
		_ = bySourcePath.Delete(indexKey(job.SourcePath, key))
		if err := jobs.Delete(key); err != nil {
			return err
		}

		return s.deleteTargetsForJob(tx, id)
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
