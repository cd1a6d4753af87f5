package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/collab/internal/models"
	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// BboltStore implements SnapshotStore using a single bbolt file.
type BboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens or creates a bbolt database at the given path.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketSnapshots, err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db}, nil
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load retrieves a snapshot. Returns ErrNotFound if missing.
func (s *BboltStore) Load(_ context.Context, documentID string) (*models.Snapshot, error) {
	var snap *models.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(documentID))
		if data == nil {
			return ErrNotFound
		}
		snap = &models.Snapshot{}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Save stores a snapshot unless a newer version is already present.
func (s *BboltStore) Save(_ context.Context, snap *models.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		key := []byte(snap.DocumentID)

		if existing := b.Get(key); existing != nil {
			var prev models.Snapshot
			if err := json.Unmarshal(existing, &prev); err == nil && prev.Version > snap.Version {
				return nil
			}
		}

		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}
		return nil
	})
}

// Delete removes a snapshot.
func (s *BboltStore) Delete(_ context.Context, documentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(documentID))
	})
}

// List returns snapshot metadata for every stored document, ordered by key.
func (s *BboltStore) List(_ context.Context) ([]*models.Snapshot, error) {
	var snaps []*models.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(_, v []byte) error {
			var snap models.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("unmarshal snapshot: %w", err)
			}
			snap.Content = ""
			snaps = append(snaps, &snap)
			return nil
		})
	})
	return snaps, err
}

// Ping checks that the database is still open.
func (s *BboltStore) Ping(_ context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSnapshots) == nil {
			return fmt.Errorf("snapshots bucket missing")
		}
		return nil
	})
}
