package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilupskalvis/collab/internal/models"
	"github.com/kilupskalvis/collab/internal/store"
	"golang.org/x/sync/singleflight"
)

// Options configures a Registry.
type Options struct {
	// GracePeriod is how long an empty room is kept before teardown.
	GracePeriod time.Duration
	// ReconnectGrace is how long a disconnected participant keeps its entry.
	ReconnectGrace time.Duration
	// IdleTimeout expires connected participants that stopped sending anything.
	IdleTimeout time.Duration
	// SweepInterval is the period of the background sweeper started by Run.
	SweepInterval time.Duration
	// SnapshotInterval bounds how long a dirty document goes unsaved.
	SnapshotInterval time.Duration

	Feed    ChangeFeed
	Logger  *slog.Logger
	Clock   func() time.Time
	OnClose func(roomID, documentID string, version int64)
}

// DefaultOptions returns the registry defaults.
func DefaultOptions() Options {
	return Options{
		GracePeriod:      30 * time.Minute,
		ReconnectGrace:   30 * time.Second,
		IdleTimeout:      30 * time.Minute,
		SweepInterval:    5 * time.Minute,
		SnapshotInterval: time.Minute,
	}
}

// Registry maps room ids to live rooms and owns their lifecycle. Snapshots of
// torn-down rooms that could not be persisted are kept in memory and retried,
// and a room recreated before the retry succeeds starts from them.
type Registry struct {
	store store.SnapshotStore
	opts  Options

	mu     sync.RWMutex
	rooms  map[string]*Room
	timers map[string]*time.Timer

	creating singleflight.Group // keyed by room id

	pendingMu sync.Mutex
	pending   map[string]*models.Snapshot // keyed by document id

	drift atomic.Int64
}

// NewRegistry creates a registry backed by s.
func NewRegistry(s store.SnapshotStore, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultOptions().SweepInterval
	}
	return &Registry{
		store:   s,
		opts:    opts,
		rooms:   make(map[string]*Room),
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]*models.Snapshot),
	}
}

// GetOrCreate returns the live room for roomID, creating it from the latest
// snapshot of documentID if needed. An empty documentID defaults to roomID.
func (g *Registry) GetOrCreate(ctx context.Context, roomID, documentID string) (*Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: empty room id", models.ErrRoomNotFound)
	}
	if documentID == "" {
		documentID = roomID
	}

	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if ok {
		return checkDocument(r, documentID)
	}

	// The snapshot is loaded without holding mu so a slow store only delays
	// callers of this room id. The group keeps one loader per room id.
	v, err, _ := g.creating.Do(roomID, func() (any, error) {
		g.mu.RLock()
		r, ok := g.rooms[roomID]
		g.mu.RUnlock()
		if ok {
			return r, nil
		}

		snap, err := g.loadSnapshot(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("load document %s: %w", documentID, err)
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if r, ok := g.rooms[roomID]; ok {
			return r, nil
		}
		r = newRoom(roomID, documentID, snap, roomDeps{
			logger:  g.opts.Logger.With("room", roomID),
			now:     g.opts.Clock,
			feed:    g.opts.Feed,
			onEmpty: g.scheduleReap,
			onDrift: func() { g.drift.Add(1) },
		})
		g.rooms[roomID] = r
		g.scheduleReapLocked(roomID)

		version := int64(0)
		if snap != nil {
			version = snap.Version
		}
		g.opts.Logger.Info("room created", "room", roomID, "document", documentID, "version", version)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return checkDocument(v.(*Room), documentID)
}

func checkDocument(r *Room, documentID string) (*Room, error) {
	if r.documentID != documentID {
		return nil, fmt.Errorf("%w: room %s holds %s", models.ErrDocumentMismatch, r.id, r.documentID)
	}
	return r, nil
}

// loadSnapshot prefers an unflushed snapshot over the store's copy.
func (g *Registry) loadSnapshot(ctx context.Context, documentID string) (*models.Snapshot, error) {
	g.pendingMu.Lock()
	snap, ok := g.pending[documentID]
	g.pendingMu.Unlock()
	if ok {
		cp := *snap
		return &cp, nil
	}
	if g.store == nil {
		return nil, nil
	}

	snap, err := g.store.Load(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return snap, err
}

// Get returns an existing room.
func (g *Registry) Get(roomID string) (*Room, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrRoomNotFound, roomID)
	}
	return r, nil
}

// Join gets or creates the room and joins it. A room torn down between lookup
// and join is recreated.
func (g *Registry) Join(ctx context.Context, roomID, documentID string, id models.Identity, sink Sink) (*Room, *State, error) {
	for {
		r, err := g.GetOrCreate(ctx, roomID, documentID)
		if err != nil {
			return nil, nil, err
		}
		state, err := r.Join(id, sink)
		if errors.Is(err, models.ErrRoomClosed) {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		g.cancelReap(roomID, r)
		return r, state, nil
	}
}

func (g *Registry) scheduleReap(roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rooms[roomID]; ok {
		g.scheduleReapLocked(roomID)
	}
}

func (g *Registry) scheduleReapLocked(roomID string) {
	if t, ok := g.timers[roomID]; ok {
		t.Stop()
	}
	g.timers[roomID] = time.AfterFunc(g.opts.GracePeriod, func() {
		g.ReapIfEmpty(context.Background(), roomID)
	})
}

func (g *Registry) cancelReap(roomID string, r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[roomID] != r || r.Lifecycle() != Active {
		return
	}
	if t, ok := g.timers[roomID]; ok {
		t.Stop()
		delete(g.timers, roomID)
	}
}

// ReapIfEmpty tears down the room if it is still empty and its grace period
// has elapsed. The final snapshot is persisted; on failure it stays pending
// and is retried by the sweeper. It reports whether the room was removed.
func (g *Registry) ReapIfEmpty(ctx context.Context, roomID string) bool {
	g.mu.Lock()
	r, ok := g.rooms[roomID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	snap, dirty, ok := r.tryDestroy(g.opts.Clock(), g.opts.GracePeriod)
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.rooms, roomID)
	if t, ok := g.timers[roomID]; ok {
		t.Stop()
		delete(g.timers, roomID)
	}
	if dirty {
		g.pendingMu.Lock()
		g.pending[snap.DocumentID] = snap
		g.pendingMu.Unlock()
	}
	g.mu.Unlock()

	if dirty {
		if err := g.flush(ctx, snap.DocumentID); err != nil {
			g.opts.Logger.Error("flush on teardown failed, will retry",
				"room", roomID, "document", snap.DocumentID, "version", snap.Version, "error", err)
		}
	}

	g.opts.Logger.Info("room destroyed", "room", roomID, "document", snap.DocumentID, "version", snap.Version)
	if g.opts.OnClose != nil {
		g.opts.OnClose(roomID, snap.DocumentID, snap.Version)
	}
	return true
}

// flush persists the pending snapshot for documentID and forgets it unless a
// newer teardown replaced it meanwhile.
func (g *Registry) flush(ctx context.Context, documentID string) error {
	g.pendingMu.Lock()
	snap, ok := g.pending[documentID]
	g.pendingMu.Unlock()
	if !ok {
		return nil
	}
	if g.store != nil {
		if err := g.store.Save(ctx, snap); err != nil {
			return err
		}
	}

	g.pendingMu.Lock()
	if g.pending[documentID] == snap {
		delete(g.pending, documentID)
	}
	g.pendingMu.Unlock()
	return nil
}

// Flush saves the current document of a live room.
func (g *Registry) Flush(ctx context.Context, roomID string) (*models.Snapshot, error) {
	r, err := g.Get(roomID)
	if err != nil {
		return nil, err
	}
	snap := r.Snapshot()
	if g.store != nil {
		if err := g.store.Save(ctx, snap); err != nil {
			return nil, fmt.Errorf("save %s: %w", snap.DocumentID, err)
		}
	}
	r.markSaved(snap.Version, g.opts.Clock())
	return snap, nil
}

// SweepResult contains the outcome of one sweep.
type SweepResult struct {
	Expired     int
	Snapshotted int
	Reaped      int
	Flushed     int
}

// Sweep expires stale participants, saves dirty documents, tears down rooms
// whose grace period elapsed and retries pending flushes.
func (g *Registry) Sweep(ctx context.Context) *SweepResult {
	res := &SweepResult{}
	now := g.opts.Clock()

	for _, r := range g.list() {
		res.Expired += len(r.expire(now, g.opts.ReconnectGrace, g.opts.IdleTimeout))

		if snap, ok := r.dirtySince(now, g.opts.SnapshotInterval); ok && g.store != nil {
			if err := g.store.Save(ctx, snap); err != nil {
				g.opts.Logger.Warn("periodic snapshot failed", "room", r.id, "version", snap.Version, "error", err)
			} else {
				r.markSaved(snap.Version, now)
				res.Snapshotted++
			}
		}

		if g.ReapIfEmpty(ctx, r.id) {
			res.Reaped++
		}
	}

	g.pendingMu.Lock()
	docs := make([]string, 0, len(g.pending))
	for id := range g.pending {
		docs = append(docs, id)
	}
	g.pendingMu.Unlock()

	for _, id := range docs {
		if err := g.flush(ctx, id); err != nil {
			g.opts.Logger.Warn("pending flush failed", "document", id, "error", err)
			continue
		}
		res.Flushed++
	}

	if res.Expired+res.Snapshotted+res.Reaped+res.Flushed > 0 {
		g.opts.Logger.Info("sweep complete",
			"expired", res.Expired,
			"snapshotted", res.Snapshotted,
			"reaped", res.Reaped,
			"flushed", res.Flushed,
		)
	}
	return res
}

// Run sweeps every SweepInterval until ctx is done.
func (g *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(g.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Close persists every live room and pending snapshot. Rooms stay usable;
// it is meant for shutdown after the listener stopped.
func (g *Registry) Close(ctx context.Context) error {
	g.mu.Lock()
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
	g.mu.Unlock()

	var errs []error
	for _, r := range g.list() {
		snap := r.Snapshot()
		if snap.Version == 0 && snap.Content == "" {
			continue
		}
		if g.store == nil {
			continue
		}
		if err := g.store.Save(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", snap.DocumentID, err))
			continue
		}
		r.markSaved(snap.Version, g.opts.Clock())
	}

	g.pendingMu.Lock()
	docs := make([]string, 0, len(g.pending))
	for id := range g.pending {
		docs = append(docs, id)
	}
	g.pendingMu.Unlock()
	for _, id := range docs {
		if err := g.flush(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Relay forwards an external update to the room if it is live here.
func (g *Registry) Relay(roomID string, payload []byte) bool {
	r, err := g.Get(roomID)
	if err != nil {
		return false
	}
	r.Relay(payload)
	return true
}

// Stats summarizes the registry.
type Stats struct {
	Rooms          int   `json:"rooms"`
	ActiveRooms    int   `json:"active_rooms"`
	DrainingRooms  int   `json:"draining_rooms"`
	Participants   int   `json:"participants"`
	Connected      int   `json:"connected"`
	DriftCount     int64 `json:"drift_count"`
	PendingFlushes int   `json:"pending_flushes"`
}

// Stats returns current counters.
func (g *Registry) Stats() Stats {
	var s Stats
	for _, r := range g.list() {
		s.Rooms++
		switch r.Lifecycle() {
		case Active:
			s.ActiveRooms++
		case Draining:
			s.DrainingRooms++
		}
		p, c := r.Counts()
		s.Participants += p
		s.Connected += c
	}
	s.DriftCount = g.drift.Load()

	g.pendingMu.Lock()
	s.PendingFlushes = len(g.pending)
	g.pendingMu.Unlock()
	return s
}

// Info describes one live room.
type Info struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	State        string    `json:"state"`
	Version      int64     `json:"version"`
	Participants int       `json:"participants"`
	Connected    int       `json:"connected"`
	LastActivity time.Time `json:"last_activity"`
}

// Rooms lists live rooms ordered by id.
func (g *Registry) Rooms() []Info {
	rooms := g.list()
	out := make([]Info, 0, len(rooms))
	for _, r := range rooms {
		p, c := r.Counts()
		out = append(out, Info{
			ID:           r.id,
			DocumentID:   r.documentID,
			State:        r.Lifecycle().String(),
			Version:      r.Snapshot().Version,
			Participants: p,
			Connected:    c,
			LastActivity: r.LastActivity(),
		})
	}
	return out
}

func (g *Registry) list() []*Room {
	g.mu.RLock()
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
