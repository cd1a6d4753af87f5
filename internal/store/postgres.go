package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kilupskalvis/collab/internal/models"
)

// PostgresStore implements SnapshotStore on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres store requires a DSN")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initialize(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			document_id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Load retrieves a snapshot. Returns ErrNotFound if missing.
func (s *PostgresStore) Load(ctx context.Context, documentID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.pool.QueryRow(ctx,
		"SELECT document_id, content, version, updated_at FROM snapshots WHERE document_id = $1",
		documentID,
	).Scan(&snap.DocumentID, &snap.Content, &snap.Version, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	return &snap, nil
}

// Save upserts a snapshot, keeping the stored row if it has a higher version.
func (s *PostgresStore) Save(ctx context.Context, snap *models.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshots (document_id, content, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO UPDATE SET
			content = EXCLUDED.content,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.version >= snapshots.version`,
		snap.DocumentID, snap.Content, snap.Version, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.DocumentID, err)
	}
	return nil
}

// Delete removes a snapshot.
func (s *PostgresStore) Delete(ctx context.Context, documentID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM snapshots WHERE document_id = $1", documentID)
	return err
}

// List returns snapshot metadata ordered by document ID.
func (s *PostgresStore) List(ctx context.Context) ([]*models.Snapshot, error) {
	rows, err := s.pool.Query(ctx, "SELECT document_id, version, updated_at FROM snapshots ORDER BY document_id")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*models.Snapshot
	for rows.Next() {
		var snap models.Snapshot
		if err := rows.Scan(&snap.DocumentID, &snap.Version, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// Ping checks the pool can reach the server.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
