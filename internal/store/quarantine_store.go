package store

import (
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/forkernet/forker/internal/domain"
	"github.com/forkernet/forker/internal/ferrors"
)

// SaveQuarantineEntry persists a new quarantine entry.
func (s *Store) SaveQuarantineEntry(q *domain.QuarantineEntry) error {
	if err := q.Validate(); err != nil {
		return err
	}
	key := quarantineKey(q.ID)
	return s.db.Update(func(tx *bolt.Tx) error {
		quarantine := tx.Bucket([]byte(bucketQuarantine))
		if quarantine.Get(key) != nil {
			return ferrors.InvariantViolation("save_quarantine_entry", "QuarantineEntry", "already present: "+q.ID.String())
		}
		return s.putQuarantineEntry(tx, q, key)
	})
}

func (s *Store) putQuarantineEntry(tx *bolt.Tx, q *domain.QuarantineEntry, key []byte) error {
	quarantine := tx.Bucket([]byte(bucketQuarantine))
	byStatus := tx.Bucket([]byte(bucketQuarantineByStatus))

	if old := quarantine.Get(key); old != nil {
		var prev domain.QuarantineEntry
		if err := decode(old, &prev); err == nil {
			_ = byStatus.Delete(indexKey(string(prev.Status), key))
		}
	}

	data, err := encode(q)
	if err != nil {
		return err
	}
	if err := quarantine.Put(key, data); err != nil {
		return err
	}
	return byStatus.Put(indexKey(string(q.Status), key), nil)
}

// UpdateQuarantineEntry overwrites a persisted entry, refreshing its status
// index. Release/Purge are admin-triggered one-at-a-time CLI operations,
// so no CAS is needed beyond the entity's own status edge check.
func (s *Store) UpdateQuarantineEntry(q *domain.QuarantineEntry) error {
	key := quarantineKey(q.ID)
	return s.db.Update(func(tx *bolt.Tx) error {
		quarantine := tx.Bucket([]byte(bucketQuarantine))
		if quarantine.Get(key) == nil {
			return ferrors.NotFound("QuarantineEntry", q.ID.String())
		}
		return s.putQuarantineEntry(tx, q, key)
	})
}

// GetQuarantineEntry fetches a single entry by ID.
func (s *Store) GetQuarantineEntry(id uuid.UUID) (*domain.QuarantineEntry, error) {
	var q domain.QuarantineEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketQuarantine)).Get(quarantineKey(id))
		if raw == nil {
			return ferrors.NotFound("QuarantineEntry", id.String())
		}
		return decode(raw, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// ListQuarantineEntries returns every entry with the given status. Pass ""
// to list all entries regardless of status.
func (s *Store) ListQuarantineEntries(status domain.QuarantineStatus) ([]*domain.QuarantineEntry, error) {
	var out []*domain.QuarantineEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		quarantine := tx.Bucket([]byte(bucketQuarantine))
		if status == "" {
			return quarantine.ForEach(func(_, v []byte) error {
				var q domain.QuarantineEntry
				if err := decode(v, &q); err != nil {
					return err
				}
				out = append(out, &q)
				return nil
			})
		}
		c := tx.Bucket([]byte(bucketQuarantineByStatus)).Cursor()
		prefix := []byte(string(status) + "\x00")
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			_, primary := splitIndexKey(k)
			raw := quarantine.Get([]byte(primary))
			if raw == nil {
				continue
			}
			var q domain.QuarantineEntry
			if err := decode(raw, &q); err != nil {
				return err
			}
			out = append(out, &q)
		}
		return nil
	})
	return out, err
}

// QuarantineStats summarizes the quarantine table for the stats
// subcommand.
type QuarantineStats struct {
	Active   int
	Released int
	Purged   int
}

// QuarantineStats computes QuarantineStats over the full table.
func (s *Store) QuarantineStats() (QuarantineStats, error) {
	var stats QuarantineStats
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQuarantine)).ForEach(func(_, v []byte) error {
			var q domain.QuarantineEntry
			if err := decode(v, &q); err != nil {
				return err
			}
			switch q.Status {
			case domain.QuarantineActive:
				stats.Active++
			case domain.QuarantineReleased:
				stats.Released++
			case domain.QuarantinePurged:
				stats.Purged++
			}
			return nil
		})
	})
	return stats, err
}
