package kernel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketKernels = []byte("kernels")

// Record is the on-disk form of a kernel, persisted on every state
// transition. After an agent crash the records plus the runtime's container
// list are enough to rebuild the registry's allocated totals.
type Record struct {
	ID          string              `json:"id"`
	Image       string              `json:"image"`
	Command     []string            `json:"command,omitempty"`
	Env         []string            `json:"env,omitempty"`
	State       string              `json:"state"`
	ContainerID string              `json:"container_id,omitempty"`
	Occupied    map[string]string   `json:"occupied"`
	Devices     map[string][]string `json:"devices,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Store is the agent's bbolt-backed kernel registry.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) the kernel registry under dataDir.
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "kernels.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open kernel registry: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKernels)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kernels bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the registry.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes or overwrites a kernel record.
func (s *Store) Put(rec *Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal kernel record: %w", err)
		}
		return tx.Bucket(bucketKernels).Put([]byte(rec.ID), data)
	})
}

// Get reads one kernel record.
func (s *Store) Get(id string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKernels).Get([]byte(id))
		if data == nil {
			return ErrKernelNotFound
		}
		rec = &Record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns every persisted kernel record.
func (s *Store) List() ([]*Record, error) {
	var recs []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKernels).ForEach(func(_, data []byte) error {
			rec := &Record{}
			if err := json.Unmarshal(data, rec); err != nil {
				return fmt.Errorf("corrupt kernel record: %w", err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Delete removes a kernel record. Deleting an absent record is a no-op.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKernels).Delete([]byte(id))
	})
}
