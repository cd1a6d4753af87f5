package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilupskalvis/collab/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBboltTestStore(t *testing.T) SnapshotStore {
	t.Helper()
	s, err := NewBboltStore(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newSQLiteTestStore(t *testing.T) SnapshotStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "snapshots.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFSTestStore(t *testing.T) SnapshotStore {
	t.Helper()
	s, err := NewFSStore(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	return s
}

func newPostgresTestStore(t *testing.T) SnapshotStore {
	t.Helper()
	dsn := os.Getenv("COLLAB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COLLAB_TEST_POSTGRES_DSN not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var backends = map[string]func(t *testing.T) SnapshotStore{
	"bbolt":    newBboltTestStore,
	"sqlite":   newSQLiteTestStore,
	"fs":       newFSTestStore,
	"postgres": newPostgresTestStore,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s SnapshotStore)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func uniqueDoc(t *testing.T) string {
	return "doc-" + t.Name() + "-" + time.Now().Format("150405.000000000")
}

func TestSnapshotStore_LoadMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		_, err := s.Load(context.Background(), uniqueDoc(t))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSnapshotStore_SaveAndLoad(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		ctx := context.Background()
		doc := uniqueDoc(t)
		ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

		require.NoError(t, s.Save(ctx, &models.Snapshot{DocumentID: doc, Content: "hello wörld", Version: 3, UpdatedAt: ts}))

		got, err := s.Load(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, doc, got.DocumentID)
		assert.Equal(t, "hello wörld", got.Content)
		assert.Equal(t, int64(3), got.Version)
		assert.True(t, ts.Equal(got.UpdatedAt), "updated_at round-trips: %v", got.UpdatedAt)
	})
}

func TestSnapshotStore_OlderVersionIgnored(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		ctx := context.Background()
		doc := uniqueDoc(t)

		require.NoError(t, s.Save(ctx, &models.Snapshot{DocumentID: doc, Content: "new", Version: 10, UpdatedAt: time.Now()}))
		require.NoError(t, s.Save(ctx, &models.Snapshot{DocumentID: doc, Content: "old", Version: 4, UpdatedAt: time.Now()}))

		got, err := s.Load(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, "new", got.Content)
		assert.Equal(t, int64(10), got.Version)

		require.NoError(t, s.Save(ctx, &models.Snapshot{DocumentID: doc, Content: "newer", Version: 11, UpdatedAt: time.Now()}))
		got, err = s.Load(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, "newer", got.Content)
	})
}

func TestSnapshotStore_ListAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		ctx := context.Background()
		a, b := uniqueDoc(t)+"-a", uniqueDoc(t)+"-b"

		require.NoError(t, s.Save(ctx, &models.Snapshot{DocumentID: a, Content: "A", Version: 1, UpdatedAt: time.Now()}))
		require.NoError(t, s.Save(ctx, &models.Snapshot{DocumentID: b, Content: "B", Version: 2, UpdatedAt: time.Now()}))

		list, err := s.List(ctx)
		require.NoError(t, err)
		versions := map[string]int64{}
		for _, snap := range list {
			assert.Empty(t, snap.Content, "list omits content")
			versions[snap.DocumentID] = snap.Version
		}
		assert.Equal(t, int64(1), versions[a])
		assert.Equal(t, int64(2), versions[b])

		require.NoError(t, s.Delete(ctx, a))
		require.NoError(t, s.Delete(ctx, a), "delete is idempotent")
		_, err = s.Load(ctx, a)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSnapshotStore_Ping(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestFSStore_DocumentIDWithSlashes(t *testing.T) {
	ctx := context.Background()
	s := newFSTestStore(t)

	require.NoError(t, s.Save(ctx, &models.Snapshot{DocumentID: "../../etc/passwd", Content: "x", Version: 1}))
	got, err := s.Load(ctx, "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Content)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "mongo"})
	assert.Error(t, err)
}

func TestOpen_WrapsInRetryStore(t *testing.T) {
	s, err := Open(context.Background(), Options{Driver: DriverBbolt, Path: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	defer s.Close()

	rs, ok := s.(*RetryStore)
	require.True(t, ok)
	_, ok = rs.Unwrap().(*BboltStore)
	assert.True(t, ok)
}
