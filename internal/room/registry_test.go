package room

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilupskalvis/collab/internal/models"
	"github.com/kilupskalvis/collab/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// toggleStore fails every Save while broken is set.
type toggleStore struct {
	store.SnapshotStore
	broken atomic.Bool
	saves  atomic.Int32
}

func (s *toggleStore) Save(ctx context.Context, snap *models.Snapshot) error {
	s.saves.Add(1)
	if s.broken.Load() {
		return errors.New("disk unavailable")
	}
	return s.SnapshotStore.Save(ctx, snap)
}

func newTestStore(t *testing.T) *toggleStore {
	t.Helper()
	s, err := store.NewBboltStore(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &toggleStore{SnapshotStore: s}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestRegistry uses an hour-long grace so timers never fire during a test;
// teardown is driven through Sweep with a fake clock.
func newTestRegistry(t *testing.T, s store.SnapshotStore, clock *fakeClock) *Registry {
	t.Helper()
	opts := DefaultOptions()
	opts.GracePeriod = time.Hour
	opts.Logger = quietLogger()
	opts.Clock = clock.Now
	g := NewRegistry(s, opts)
	t.Cleanup(func() { g.Close(context.Background()) })
	return g
}

func TestRegistry_GetOrCreate(t *testing.T) {
	g := newTestRegistry(t, newTestStore(t), newFakeClock())
	ctx := context.Background()

	r1, err := g.GetOrCreate(ctx, "r1", "")
	require.NoError(t, err)
	assert.Equal(t, "r1", r1.DocumentID())

	again, err := g.GetOrCreate(ctx, "r1", "r1")
	require.NoError(t, err)
	assert.Same(t, r1, again)

	_, err = g.GetOrCreate(ctx, "r1", "other-doc")
	assert.ErrorIs(t, err, models.ErrDocumentMismatch)

	_, err = g.GetOrCreate(ctx, "", "")
	assert.ErrorIs(t, err, models.ErrRoomNotFound)

	_, err = g.Get("missing")
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
}

func TestRegistry_ConcurrentGetOrCreateYieldsOneRoom(t *testing.T) {
	g := newTestRegistry(t, newTestStore(t), newFakeClock())

	var wg sync.WaitGroup
	rooms := make([]*Room, 16)
	for i := range rooms {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := g.GetOrCreate(context.Background(), "shared", "")
			assert.NoError(t, err)
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range rooms[1:] {
		assert.Same(t, rooms[0], r)
	}
	assert.Equal(t, 1, g.Stats().Rooms)
}

func TestRegistry_LoadsExistingSnapshot(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(context.Background(), &models.Snapshot{DocumentID: "doc", Content: "persisted", Version: 7}))
	g := newTestRegistry(t, s, newFakeClock())

	_, state, err := g.Join(context.Background(), "room", "doc", identity("a"), newSink(8))
	require.NoError(t, err)
	assert.Equal(t, "persisted", state.Document.Content)
	assert.Equal(t, int64(7), state.Document.Version)
}

func TestRegistry_GraceTeardownAndReload(t *testing.T) {
	s := newTestStore(t)
	clock := newFakeClock()
	var closed []string
	opts := DefaultOptions()
	opts.GracePeriod = time.Hour
	opts.Logger = quietLogger()
	opts.Clock = clock.Now
	opts.OnClose = func(roomID, _ string, _ int64) { closed = append(closed, roomID) }
	g := NewRegistry(s, opts)
	ctx := context.Background()

	r, _, err := g.Join(ctx, "room", "", identity("a"), newSink(16))
	require.NoError(t, err)
	_, err = r.Submit(ctx, "a", "1", insert(0, "hello", 0))
	require.NoError(t, err)
	require.NoError(t, r.Leave("a"))

	clock.Advance(30 * time.Minute)
	res := g.Sweep(ctx)
	assert.Equal(t, 0, res.Reaped, "inside grace period")

	// Rejoining inside the grace period keeps the same room.
	r2, state, err := g.Join(ctx, "room", "", identity("a"), newSink(16))
	require.NoError(t, err)
	assert.Same(t, r, r2)
	assert.Equal(t, "hello", state.Document.Content)
	require.NoError(t, r2.Leave("a"))

	clock.Advance(time.Hour)
	res = g.Sweep(ctx)
	assert.Equal(t, 1, res.Reaped)
	assert.Equal(t, []string{"room"}, closed)
	assert.Equal(t, Destroyed, r.Lifecycle())

	saved, err := s.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "hello", saved.Content)
	assert.Equal(t, int64(1), saved.Version)

	r3, state, err := g.Join(ctx, "room", "", identity("b"), newSink(16))
	require.NoError(t, err)
	assert.NotSame(t, r, r3)
	assert.Equal(t, "hello", state.Document.Content)
	assert.Equal(t, int64(1), state.Document.Version)
}

func TestRegistry_FailedFlushIsKeptAndRetried(t *testing.T) {
	s := newTestStore(t)
	clock := newFakeClock()
	g := newTestRegistry(t, s, clock)
	ctx := context.Background()

	r, _, err := g.Join(ctx, "room", "", identity("a"), newSink(16))
	require.NoError(t, err)
	_, err = r.Submit(ctx, "a", "1", insert(0, "unsaved", 0))
	require.NoError(t, err)
	require.NoError(t, r.Leave("a"))

	s.broken.Store(true)
	clock.Advance(2 * time.Hour)
	res := g.Sweep(ctx)
	assert.Equal(t, 1, res.Reaped)
	assert.Equal(t, 1, g.Stats().PendingFlushes)

	_, err = s.Load(ctx, "room")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A room recreated while the flush is pending starts from the unsaved state.
	_, state, err := g.Join(ctx, "room", "", identity("b"), newSink(16))
	require.NoError(t, err)
	assert.Equal(t, "unsaved", state.Document.Content)

	s.broken.Store(false)
	res = g.Sweep(ctx)
	assert.Equal(t, 1, res.Flushed)
	assert.Equal(t, 0, g.Stats().PendingFlushes)

	saved, err := s.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "unsaved", saved.Content)
}

func TestRegistry_PeriodicSnapshot(t *testing.T) {
	s := newTestStore(t)
	clock := newFakeClock()
	g := newTestRegistry(t, s, clock)
	ctx := context.Background()

	r, _, err := g.Join(ctx, "room", "", identity("a"), newSink(16))
	require.NoError(t, err)
	_, err = r.Submit(ctx, "a", "1", insert(0, "draft", 0))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	res := g.Sweep(ctx)
	assert.Equal(t, 1, res.Snapshotted)

	saved, err := s.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "draft", saved.Content)

	clock.Advance(2 * time.Minute)
	res = g.Sweep(ctx)
	assert.Equal(t, 0, res.Snapshotted, "clean documents are not rewritten")
}

func TestRegistry_FlushAndStats(t *testing.T) {
	s := newTestStore(t)
	g := newTestRegistry(t, s, newFakeClock())
	ctx := context.Background()

	r, _, err := g.Join(ctx, "alpha", "", identity("a"), newSink(16))
	require.NoError(t, err)
	_, _, err = g.Join(ctx, "alpha", "", identity("b"), newSink(16))
	require.NoError(t, err)
	_, err = g.GetOrCreate(ctx, "beta", "")
	require.NoError(t, err)

	_, err = r.Submit(ctx, "a", "1", insert(0, "x", 0))
	require.NoError(t, err)

	snap, err := g.Flush(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)

	_, err = g.Flush(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrRoomNotFound)

	stats := g.Stats()
	assert.Equal(t, 2, stats.Rooms)
	assert.Equal(t, 1, stats.ActiveRooms)
	assert.Equal(t, 1, stats.DrainingRooms)
	assert.Equal(t, 2, stats.Participants)
	assert.Equal(t, 2, stats.Connected)

	infos := g.Rooms()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].ID)
	assert.Equal(t, "active", infos[0].State)
	assert.Equal(t, "draining", infos[1].State)
}

func TestRegistry_CloseSavesLiveRooms(t *testing.T) {
	s := newTestStore(t)
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	g := NewRegistry(s, opts)
	ctx := context.Background()

	r, _, err := g.Join(ctx, "room", "", identity("a"), newSink(16))
	require.NoError(t, err)
	_, err = r.Submit(ctx, "a", "1", insert(0, "bye", 0))
	require.NoError(t, err)

	require.NoError(t, g.Close(ctx))
	saved, err := s.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "bye", saved.Content)
}

func TestRegistry_GraceTimerFires(t *testing.T) {
	s := newTestStore(t)
	closed := make(chan string, 1)
	opts := DefaultOptions()
	opts.GracePeriod = 50 * time.Millisecond
	opts.Logger = quietLogger()
	opts.OnClose = func(roomID, _ string, _ int64) { closed <- roomID }
	g := NewRegistry(s, opts)

	r, _, err := g.Join(context.Background(), "room", "", identity("a"), newSink(16))
	require.NoError(t, err)
	require.NoError(t, r.Leave("a"))

	select {
	case id := <-closed:
		assert.Equal(t, "room", id)
	case <-time.After(2 * time.Second):
		t.Fatal("room was not torn down after its grace period")
	}
	_, err = g.Get("room")
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
}

func TestRegistry_DriftCount(t *testing.T) {
	g := newTestRegistry(t, newTestStore(t), newFakeClock())
	ctx := context.Background()

	r, _, err := g.Join(ctx, "room", "", identity("a"), newSink(16))
	require.NoError(t, err)
	_, err = r.Submit(ctx, "a", "1", insert(0, "abc", 0))
	require.NoError(t, err)
	_, err = r.Submit(ctx, "a", "2", insert(2, "z", 0))
	require.NoError(t, err)

	assert.Equal(t, int64(1), g.Stats().DriftCount)
}

// gatedStore blocks Load of one document until release is closed.
type gatedStore struct {
	store.SnapshotStore
	gated   string
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Load(ctx context.Context, documentID string) (*models.Snapshot, error) {
	if documentID == s.gated {
		close(s.entered)
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.SnapshotStore.Load(ctx, documentID)
}

func TestRegistry_SlowLoadDoesNotBlockOtherRooms(t *testing.T) {
	s := &gatedStore{
		SnapshotStore: newTestStore(t),
		gated:         "slow",
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	g := newTestRegistry(t, s, newFakeClock())
	ctx := context.Background()

	fast, err := g.GetOrCreate(ctx, "fast", "")
	require.NoError(t, err)

	created := make(chan *Room, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, err := g.GetOrCreate(ctx, "slow", "")
			assert.NoError(t, err)
			created <- r
		}()
	}
	<-s.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := g.Get("fast")
		assert.NoError(t, err)
		assert.Same(t, fast, got)
		again, err := g.GetOrCreate(ctx, "fast", "")
		assert.NoError(t, err)
		assert.Same(t, fast, again)
		assert.True(t, g.Relay("fast", []byte(`{}`)))
		_ = g.Stats()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lookups of a live room waited on another room's load")
	}

	close(s.release)
	first, second := <-created, <-created
	assert.Same(t, first, second)
	assert.Equal(t, 2, g.Stats().Rooms)
}
