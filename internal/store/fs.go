package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kilupskalvis/collab/internal/models"
)

// FSStore implements SnapshotStore using one JSON file per document.
// Files are stored in a two-level directory structure keyed by the SHA256 of
// the document ID, so arbitrary IDs are safe as file names.
type FSStore struct {
	root string
	mu   sync.Mutex
}

// NewFSStore creates a filesystem-backed snapshot store rooted at the given directory.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Close is a no-op.
func (s *FSStore) Close() error {
	return nil
}

// Load reads a snapshot. Returns ErrNotFound if missing.
func (s *FSStore) Load(_ context.Context, documentID string) (*models.Snapshot, error) {
	return s.read(s.snapshotPath(documentID))
}

// Save writes a snapshot atomically via temp file and rename.
func (s *FSStore) Save(_ context.Context, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.snapshotPath(snap.DocumentID)
	if prev, err := s.read(path); err == nil && prev.Version > snap.Version {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".snap-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write snapshot data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Delete removes a snapshot file.
func (s *FSStore) Delete(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.snapshotPath(documentID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot %s: %w", documentID, err)
	}
	return nil
}

// List returns snapshot metadata by scanning the directory tree.
func (s *FSStore) List(_ context.Context) ([]*models.Snapshot, error) {
	var snaps []*models.Snapshot

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") || !strings.HasSuffix(path, ".json") {
			return nil
		}
		snap, err := s.read(path)
		if err != nil {
			return err
		}
		snap.Content = ""
		snaps = append(snaps, snap)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].DocumentID < snaps[j].DocumentID })
	return snaps, nil
}

// Ping checks the root directory is still there.
func (s *FSStore) Ping(_ context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("stat snapshot root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("snapshot root %s is not a directory", s.root)
	}
	return nil
}

func (s *FSStore) read(path string) (*models.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// snapshotPath returns the filesystem path for a document's snapshot.
func (s *FSStore) snapshotPath(documentID string) string {
	h := sha256.Sum256([]byte(documentID))
	hash := hex.EncodeToString(h[:])
	return filepath.Join(s.root, hash[:2], hash[2:]+".json")
}
