package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/collab/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements SnapshotStore on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and creates the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent flushes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		document_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load retrieves a snapshot. Returns ErrNotFound if missing.
func (s *SQLiteStore) Load(ctx context.Context, documentID string) (*models.Snapshot, error) {
	var (
		snap      models.Snapshot
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT document_id, content, version, updated_at FROM snapshots WHERE document_id = ?",
		documentID,
	).Scan(&snap.DocumentID, &snap.Content, &snap.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	snap.UpdatedAt = parseTimestamp(updatedAt)
	return &snap, nil
}

// Save upserts a snapshot, keeping the stored row if it has a higher version.
func (s *SQLiteStore) Save(ctx context.Context, snap *models.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, content, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			content = excluded.content,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE excluded.version >= snapshots.version`,
		snap.DocumentID, snap.Content, snap.Version, snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.DocumentID, err)
	}
	return nil
}

// Delete removes a snapshot.
func (s *SQLiteStore) Delete(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE document_id = ?", documentID)
	return err
}

// List returns snapshot metadata ordered by document ID.
func (s *SQLiteStore) List(ctx context.Context) ([]*models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT document_id, version, updated_at FROM snapshots ORDER BY document_id")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*models.Snapshot
	for rows.Next() {
		var (
			snap      models.Snapshot
			updatedAt string
		)
		if err := rows.Scan(&snap.DocumentID, &snap.Version, &updatedAt); err != nil {
			return nil, err
		}
		snap.UpdatedAt = parseTimestamp(updatedAt)
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// parseTimestamp parses a timestamp string from SQLite in various formats
func parseTimestamp(s string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
