// Package store implements a transactional, embedded,
// single-writer-many-readers persistence layer for Jobs, TargetOutcomes
// and QuarantineEntries, built on bbolt — a small multi-bucket schema
// with maintained secondary-index buckets.
//
// Every mutating call runs inside a single bbolt transaction: a crash
// mid-call either leaves the prior state intact or commits the full new
// state, matching bbolt's copy-on-write + fsync-on-commit durability
// model. Reads (View transactions) never block writers beyond bbolt's own
// brief commit window.
package store

import (
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names. jobs/targets/quarantine hold the primary records; the
// *_by_* buckets are secondary indexes maintained inside the same
// transaction as the primary write, since bbolt has no native secondary
// index and list_by_state/list_by_source_path need a scan key that isn't a
// prefix of the primary key.
const (
	bucketJobs               = "jobs"
	bucketTargets             = "targets"
	bucketQuarantine          = "quarantine"
	bucketJobsByState         = "jobs_by_state"
	bucketJobsBySourcePath    = "jobs_by_source_path"
	bucketTargetsByCopyState  = "targets_by_copy_state"
	bucketQuarantineByStatus  = "quarantine_by_status"
	bucketMeta                = "meta"
)

var allBuckets = []string{
	bucketJobs,
	bucketTargets,
	bucketQuarantine,
	bucketJobsByState,
	bucketJobsBySourcePath,
	bucketTargetsByCopyState,
	bucketQuarantineByStatus,
	bucketMeta,
}

// schemaVersion is bumped only for additive migrations; there is no
// support for schema evolution beyond that.
const schemaVersion = "1"

const metaKeySchemaVersion = "schema_version"

// Store wraps a single bbolt database file. The zero value is not usable;
// construct with Open.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the store at path, ensures all buckets
// exist, and checks the schema version. path's parent directory is
// created if missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if v := meta.Get([]byte(metaKeySchemaVersion)); v == nil {
			return meta.Put([]byte(metaKeySchemaVersion), []byte(schemaVersion))
		}
		return nil
	})
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}
