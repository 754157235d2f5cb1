package store

import (
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/forkernet/forker/internal/domain"
	"github.com/forkernet/forker/internal/ferrors"
)

// targetPrimaryKey builds the targets-bucket key for t, parsing t.JobID (a
// plain string on domain.TargetOutcome) into the uuid.UUID the key helpers
// expect.
func targetPrimaryKey(t *domain.TargetOutcome) ([]byte, uuid.UUID, error) {
	jobID, err := uuid.Parse(t.JobID)
	if err != nil {
		return nil, uuid.UUID{}, ferrors.Configuration("job_id", "not a valid UUID: "+t.JobID)
	}
	return targetKey(jobID, t.TargetID), jobID, nil
}

// SaveNewTarget persists t, failing if (JobID, TargetID) already exists.
func (s *Store) SaveNewTarget(t *domain.TargetOutcome) error {
	key, _, err := targetPrimaryKey(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		targets := tx.Bucket([]byte(bucketTargets))
		if targets.Get(key) != nil {
			return ferrors.InvariantViolation("save_new_target", "TargetOutcome", "already present for "+t.JobID+"/"+t.TargetID)
		}
		return s.putTarget(tx, t, key)
	})
}

func (s *Store) putTarget(tx *bolt.Tx, t *domain.TargetOutcome, key []byte) error {
	targets := tx.Bucket([]byte(bucketTargets))
	byState := tx.Bucket([]byte(bucketTargetsByCopyState))

	if old := targets.Get(key); old != nil {
		var prev domain.TargetOutcome
		if err := decode(old, &prev); err == nil {
			_ = byState.Delete(indexKey(string(prev.CopyState), key))
		}
	}

	data, err := encode(t)
	if err != nil {
		return err
	}
	if err := targets.Put(key, data); err != nil {
		return err
	}
	return byState.Put(indexKey(string(t.CopyState), key), nil)
}

// UpdateTarget overwrites the stored TargetOutcome unconditionally. The
// orchestrator dispatches a given TargetOutcome to exactly one worker
// goroutine at a time, so unlike Job there is no concurrent writer needing
// CAS; the orchestrator's own version-token CAS on the parent Job is what
// guards cross-goroutine aggregation races.
func (s *Store) UpdateTarget(t *domain.TargetOutcome) error {
	key, _, err := targetPrimaryKey(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		targets := tx.Bucket([]byte(bucketTargets))
		if targets.Get(key) == nil {
			return ferrors.NotFound("TargetOutcome", t.JobID+"/"+t.TargetID)
		}
		return s.putTarget(tx, t, key)
	})
}

// GetTarget fetches a single TargetOutcome.
func (s *Store) GetTarget(jobID uuid.UUID, targetID string) (*domain.TargetOutcome, error) {
	var t domain.TargetOutcome
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketTargets)).Get(targetKey(jobID, targetID))
		if raw == nil {
			return ferrors.NotFound("TargetOutcome", jobID.String()+"/"+targetID)
		}
		return decode(raw, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTargetsForJob returns every TargetOutcome belonging to jobID, used by
// the orchestrator's aggregation step.
func (s *Store) ListTargetsForJob(jobID uuid.UUID) ([]*domain.TargetOutcome, error) {
	var out []*domain.TargetOutcome
	err := s.db.View(func(tx *bolt.Tx) error {
		targets := tx.Bucket([]byte(bucketTargets))
		c := targets.Cursor()
		prefix := targetPrefix(jobID)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var t domain.TargetOutcome
			if err := decode(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
		}
		return nil
	})
	return out, err
}

// ListTargetsByCopyState returns every TargetOutcome currently in state,
// across all jobs, used by startup reconciliation to find targets left in
// Copying by a previous process.
func (s *Store) ListTargetsByCopyState(state domain.CopyState) ([]*domain.TargetOutcome, error) {
	var out []*domain.TargetOutcome
	err := s.db.View(func(tx *bolt.Tx) error {
		targets := tx.Bucket([]byte(bucketTargets))
		c := tx.Bucket([]byte(bucketTargetsByCopyState)).Cursor()
		prefix := []byte(string(state) + "\x00")
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			_, primary := splitIndexKey(k)
			raw := targets.Get([]byte(primary))
			if raw == nil {
				continue
			}
			var t domain.TargetOutcome
			if err := decode(raw, &t); err != nil {
				return err
			}
			out = append(out, &t)
		}
		return nil
	})
	return out, err
}

// deleteTargetsForJob removes every TargetOutcome belonging to jobID. Called
// from within DeleteJob's transaction to cascade the delete.
func (s *Store) deleteTargetsForJob(tx *bolt.Tx, jobID uuid.UUID) error {
	targets := tx.Bucket([]byte(bucketTargets))
	byState := tx.Bucket([]byte(bucketTargetsByCopyState))
	c := targets.Cursor()
	prefix := targetPrefix(jobID)

	var toDelete [][]byte
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		key := append([]byte(nil), k...)
		var t domain.TargetOutcome
		if err := decode(v, &t); err == nil {
			_ = byState.Delete(indexKey(string(t.CopyState), key))
		}
		toDelete = append(toDelete, key)
	}
	for _, key := range toDelete {
		if err := targets.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
