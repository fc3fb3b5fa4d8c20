// Package metastore is the durable metadata store keyed by instance id
// (§6.4): the single table of information that cannot be reconstructed
// from the provider and gateway. Rows are written only on successful
// claim and deleted on recycle, destroy, or crashed-entry dismiss.
// Adapted from the teacher's internal/store/bolt.go bucket pattern — no
// status column is ever added here; status is always derived.
package metastore

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketInstances = []byte("instances")

// Row is the persisted metadata row for one instance (§3 "Metadata row").
type Row struct {
	InstanceID       string    `json:"instance_id"`
	ProviderServiceID string   `json:"provider_service_id"`
	AgentName        string    `json:"agent_name"`
	ConversationID   string    `json:"conversation_id"`
	InviteURL        string    `json:"invite_url"`
	Instructions     string    `json:"instructions"`
	CheckpointID     string    `json:"checkpoint_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ClaimedAt        time.Time `json:"claimed_at"`
}

// Store wraps a BoltDB database for metadata row persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures the
// instances bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstances)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create instances bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert writes row, keyed by instance id. Called only as part of a
// successful claim (§4.5 step 4) or recorded golden checkpoint update.
func (s *Store) Upsert(row Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal metadata row: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Put([]byte(row.InstanceID), data)
	})
}

// Get returns the row for instanceID. Returns ok=false if absent — an
// absent row for a currently-unreachable service is a silent-delete
// candidate, per §3's invariants.
func (s *Store) Get(instanceID string) (Row, bool, error) {
	var row Row
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketInstances).Get([]byte(instanceID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &row)
	})
	if err != nil {
		return Row{}, false, fmt.Errorf("get metadata row %s: %w", instanceID, err)
	}
	return row, found, nil
}

// GetByServiceID scans for the row matching providerServiceID. Metadata
// rows are keyed by instance id, so this is a bucket scan; row counts
// are bounded by MAX_TOTAL's historical claims and stay small.
func (s *Store) GetByServiceID(providerServiceID string) (Row, bool, error) {
	var row Row
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketInstances).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var candidate Row
			if err := json.Unmarshal(v, &candidate); err != nil {
				continue
			}
			if candidate.ProviderServiceID == providerServiceID {
				row = candidate
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return Row{}, false, fmt.Errorf("get metadata row by service %s: %w", providerServiceID, err)
	}
	return row, found, nil
}

// Delete removes the row for instanceID. Idempotent: deleting an
// already-absent row is not an error.
func (s *Store) Delete(instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete([]byte(instanceID))
	})
}

// List returns every metadata row, used at startup to re-enrich the
// cache and to distinguish crashed instances from silent-delete targets.
func (s *Store) List() ([]Row, error) {
	var rows []Row
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketInstances).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("unmarshal metadata row %s: %w", k, err)
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list metadata rows: %w", err)
	}
	return rows, nil
}

// SetCheckpointID updates the recorded golden checkpoint id for an
// existing row, used after a checkpoint is (re)created post-claim.
func (s *Store) SetCheckpointID(instanceID, checkpointID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		v := b.Get([]byte(instanceID))
		if v == nil {
			return fmt.Errorf("metadata row %s not found", instanceID)
		}
		var row Row
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		row.CheckpointID = checkpointID
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(instanceID), data)
	})
}

// Path returns the filesystem path of the underlying BoltDB file, used
// by the maintenance sweep to compact in place.
func (s *Store) Path() string {
	return s.db.Path()
}

// Count returns the number of metadata rows currently stored.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketInstances).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count metadata rows: %w", err)
	}
	return n, nil
}

// Compact rewrites the database file into a fresh one with no free-list
// fragmentation, then swaps it in place of the original — the same
// copy-and-swap idiom bbolt's own "bbolt compact" command uses. It holds a
// read transaction for the duration of the copy, so writers are not
// blocked, but it briefly closes and reopens the handle to swap files and
// must not run concurrently with any other Store method.
func (s *Store) Compact() error {
	path := s.db.Path()
	tmpPath := path + ".compact.tmp"

	dst, err := bolt.Open(tmpPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("open compaction target: %w", err)
	}

	err = s.db.View(func(srcTx *bolt.Tx) error {
		return dst.Update(func(dstTx *bolt.Tx) error {
			return srcTx.ForEach(func(name []byte, srcBucket *bolt.Bucket) error {
				dstBucket, err := dstTx.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				return srcBucket.ForEach(func(k, v []byte) error {
					return dstBucket.Put(k, v)
				})
			})
		})
	})
	closeErr := dst.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("compact copy: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close compaction target: %w", closeErr)
	}

	if err := s.db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close database for swap: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("swap compacted database: %w", err)
	}

	reopened, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("reopen compacted database: %w", err)
	}
	s.db = reopened
	return nil
}
