// Package store provides snapshot persistence for collaborative documents.
// The room registry loads a snapshot when a room is created and saves one when
// the room is torn down or periodically while it is dirty.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/collab/internal/models"
)

// ErrNotFound is returned when no snapshot exists for a document.
var ErrNotFound = errors.New("snapshot not found")

// Drivers accepted by Open.
const (
	DriverBbolt    = "bbolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFS       = "fs"
)

// SnapshotStore defines the contract for document snapshot persistence.
type SnapshotStore interface {
	// Load returns the latest snapshot for documentID, or ErrNotFound.
	Load(ctx context.Context, documentID string) (*models.Snapshot, error)

	// Save stores s, replacing any previous snapshot of the same document.
	// A snapshot with a lower version than the stored one is ignored.
	Save(ctx context.Context, s *models.Snapshot) error

	// Delete removes a document's snapshot. No error if it doesn't exist.
	Delete(ctx context.Context, documentID string) error

	// List returns all stored snapshots without content.
	List(ctx context.Context) ([]*models.Snapshot, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver string
	Path   string // bbolt/sqlite file or fs directory
	DSN    string // postgres connection string
	Retry  *RetryConfig
}

// Open constructs the store named by opts.Driver, wrapped in a RetryStore.
func Open(ctx context.Context, opts Options) (SnapshotStore, error) {
	var (
		s   SnapshotStore
		err error
	)
	switch opts.Driver {
	case DriverBbolt, "":
		s, err = NewBboltStore(opts.Path)
	case DriverSQLite:
		s, err = NewSQLiteStore(opts.Path)
	case DriverPostgres:
		s, err = NewPostgresStore(ctx, opts.DSN)
	case DriverFS:
		s, err = NewFSStore(opts.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	return NewRetryStore(s, opts.Retry), nil
}
