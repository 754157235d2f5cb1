package store

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// jobKey is the primary key for the jobs bucket.
func jobKey(id uuid.UUID) []byte { return []byte(id.String()) }

// targetKey is the primary key for the targets bucket: jobID + NUL + targetID.
func targetKey(jobID uuid.UUID, targetID string) []byte {
	return []byte(jobID.String() + "\x00" + targetID)
}

// targetPrefix returns the key prefix covering every target of jobID, used
// by cascade delete and ListTargetsForJob.
func targetPrefix(jobID uuid.UUID) []byte {
	return []byte(jobID.String() + "\x00")
}

func quarantineKey(id uuid.UUID) []byte { return []byte(id.String()) }

// indexKey builds a composite secondary-index key: field + NUL + primaryKey.
// Storing the primary key as a suffix lets a prefix scan over field recover
// every primary key without a separate value lookup.
func indexKey(field string, primaryKey []byte) []byte {
	return []byte(field + "\x00" + string(primaryKey))
}

// splitIndexKey reverses indexKey, returning the primary key suffix.
func splitIndexKey(key []byte) (field, primaryKey string) {
	s := string(key)
	i := strings.IndexByte(s, 0)
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

func encode(v any) ([]byte, error) { return json.Marshal(v) }

func decode(data []byte, v any) error { return json.Unmarshal(data, v) }
