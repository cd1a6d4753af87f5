package room

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/collab/internal/models"
	"github.com/kilupskalvis/collab/internal/ot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSink buffers up to cap events and records whether it was closed.
type testSink struct {
	mu     sync.Mutex
	events []*Event
	cap    int
	closed bool
}

func newSink(capacity int) *testSink { return &testSink{cap: capacity} }

func (s *testSink) Deliver(ev *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.events) >= s.cap {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *testSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *testSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *testSink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.events...)
}

func (s *testSink) OfType(t EventType) []*Event {
	var out []*Event
	for _, ev := range s.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRoom(t *testing.T, content string, version int64) *Room {
	t.Helper()
	var snap *models.Snapshot
	if content != "" || version > 0 {
		snap = &models.Snapshot{DocumentID: "doc", Content: content, Version: version}
	}
	return newRoom("room", "doc", snap, roomDeps{logger: quietLogger()})
}

func identity(id string) models.Identity {
	return models.Identity{ParticipantID: id, DisplayName: "User " + id}
}

func insert(index int, text string, base int64) models.Operation {
	return models.Operation{Kind: models.OperationInsert, Index: index, Text: text, BaseVersion: base}
}

func TestRoom_JoinDeliversStateFirst(t *testing.T) {
	r := newTestRoom(t, "hello", 4)
	a := newSink(16)

	state, err := r.Join(identity("a"), a)
	require.NoError(t, err)
	assert.Equal(t, "hello", state.Document.Content)
	assert.Equal(t, int64(4), state.Document.Version)
	require.Len(t, state.Participants, 1)
	assert.Equal(t, "a", state.Participants[0].ID)
	assert.True(t, state.Participants[0].IsActive)

	evs := a.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, EventRoomState, evs[0].Type)
	assert.Equal(t, Active, r.Lifecycle())

	b := newSink(16)
	_, err = r.Join(identity("b"), b)
	require.NoError(t, err)

	joined := a.OfType(EventUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "b", joined[0].ParticipantID)
	assert.Empty(t, b.OfType(EventUserJoined), "joiner does not see its own join")
}

func TestRoom_RejoinReplacesConnection(t *testing.T) {
	r := newTestRoom(t, "", 0)
	first := newSink(16)
	_, err := r.Join(identity("a"), first)
	require.NoError(t, err)

	second := newSink(16)
	_, err = r.Join(identity("a"), second)
	require.NoError(t, err)

	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	p, c := r.Counts()
	assert.Equal(t, 1, p)
	assert.Equal(t, 1, c)

	// The stale connection's disconnect must not affect the new one.
	r.Disconnect("a", first)
	_, c = r.Counts()
	assert.Equal(t, 1, c)
}

func TestRoom_SubmitAcksAndBroadcasts(t *testing.T) {
	r := newTestRoom(t, "ab", 0)
	a, b := newSink(16), newSink(16)
	_, err := r.Join(identity("a"), a)
	require.NoError(t, err)
	_, err = r.Join(identity("b"), b)
	require.NoError(t, err)

	ack, err := r.Submit(context.Background(), "a", "op-1", insert(1, "X", 0))
	require.NoError(t, err)
	assert.Equal(t, "op-1", ack.OperationID)
	assert.Equal(t, int64(1), ack.Version)
	assert.False(t, ack.Drifted)
	assert.Equal(t, "a", ack.Operation.OriginID)
	assert.Equal(t, "aXb", r.Snapshot().Content)

	acks := a.OfType(EventOperationAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "op-1", acks[0].OperationID)
	assert.Empty(t, a.OfType(EventDocumentChange), "author gets an ack, not a change")

	changes := b.OfType(EventDocumentChange)
	require.Len(t, changes, 1)
	assert.Equal(t, int64(1), changes[0].Version)
	assert.Equal(t, 1, changes[0].Operation.Index)
	assert.Equal(t, "X", changes[0].Operation.Text)
	assert.Equal(t, int64(0), changes[0].Operation.BaseVersion)
}

func TestRoom_StaleOperationIsShifted(t *testing.T) {
	r := newTestRoom(t, "ab", 0)
	_, err := r.Join(identity("a"), newSink(16))
	require.NoError(t, err)
	_, err = r.Join(identity("b"), newSink(16))
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), "a", "1", insert(1, "X", 0))
	require.NoError(t, err)

	ack, err := r.Submit(context.Background(), "b", "2", insert(0, "Y", 0))
	require.NoError(t, err)
	assert.Equal(t, 0, ack.Operation.Index)
	assert.Equal(t, int64(2), ack.Version)
	assert.Equal(t, "YaXb", r.Snapshot().Content)
}

func TestRoom_DriftCallback(t *testing.T) {
	drifts := 0
	r := newRoom("room", "doc", &models.Snapshot{DocumentID: "doc", Content: "abcdef"}, roomDeps{
		logger:  quietLogger(),
		onDrift: func() { drifts++ },
	})
	_, err := r.Join(identity("a"), newSink(16))
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), "a", "1", insert(0, "1", 0))
	require.NoError(t, err)
	ack, err := r.Submit(context.Background(), "a", "2", insert(4, "2", 0))
	require.NoError(t, err)

	assert.True(t, ack.Drifted)
	assert.Equal(t, 3, ack.Operation.Index)
	assert.Equal(t, 1, drifts)
}

func TestRoom_SubmitRejections(t *testing.T) {
	r := newTestRoom(t, "abc", 2)
	_, err := r.Join(identity("a"), newSink(16))
	require.NoError(t, err)
	_, err = r.Join(models.Identity{ParticipantID: "viewer", ReadOnly: true}, newSink(16))
	require.NoError(t, err)

	ctx := context.Background()

	_, err = r.Submit(ctx, "a", "1", insert(0, "x", 3))
	assert.ErrorIs(t, err, models.ErrStaleClientAhead)

	_, err = r.Submit(ctx, "a", "2", models.Operation{Kind: "move", BaseVersion: 2})
	assert.ErrorIs(t, err, models.ErrInvalidOperation)

	_, err = r.Submit(ctx, "stranger", "3", insert(0, "x", 2))
	assert.ErrorIs(t, err, models.ErrNotInRoom)

	_, err = r.Submit(ctx, "viewer", "4", insert(0, "x", 2))
	assert.ErrorIs(t, err, models.ErrAccessDenied)

	snap := r.Snapshot()
	assert.Equal(t, "abc", snap.Content)
	assert.Equal(t, int64(2), snap.Version, "rejected operations do not advance the version")
}

func TestRoom_LeaveDrains(t *testing.T) {
	emptied := make(chan string, 1)
	r := newRoom("room", "doc", nil, roomDeps{
		logger:  quietLogger(),
		onEmpty: func(id string) { emptied <- id },
	})
	a, b := newSink(16), newSink(16)
	_, err := r.Join(identity("a"), a)
	require.NoError(t, err)
	_, err = r.Join(identity("b"), b)
	require.NoError(t, err)
	_, err = r.UpdateCursor("b", models.Position{Offset: 1}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Leave("b"))
	left := a.OfType(EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0].ParticipantID)
	assert.NotContains(t, r.Cursors(), "b")
	assert.Equal(t, Active, r.Lifecycle())

	require.NoError(t, r.Leave("a"))
	assert.Equal(t, Draining, r.Lifecycle())
	assert.Equal(t, "room", <-emptied)

	assert.ErrorIs(t, r.Leave("a"), models.ErrParticipantNotFound)
}

func TestRoom_FullQueueDisconnectsOnMustDeliver(t *testing.T) {
	r := newTestRoom(t, "", 0)
	_, err := r.Join(identity("a"), newSink(64))
	require.NoError(t, err)
	slow := newSink(1) // room-state fills it
	_, err = r.Join(identity("b"), slow)
	require.NoError(t, err)

	_, err = r.UpdateCursor("a", models.Position{Offset: 0}, nil)
	require.NoError(t, err)
	assert.False(t, slow.Closed(), "cursor updates are dropped, not fatal")

	_, err = r.Submit(context.Background(), "a", "1", insert(0, "x", 0))
	require.NoError(t, err)
	assert.True(t, slow.Closed(), "a missed document change forces a resync")
}

func TestRoom_Resync(t *testing.T) {
	r := newTestRoom(t, "abc", 1)
	a := newSink(16)
	_, err := r.Join(identity("a"), a)
	require.NoError(t, err)

	state, err := r.Resync("a")
	require.NoError(t, err)
	assert.Equal(t, "abc", state.Document.Content)
	assert.Len(t, a.OfType(EventRoomState), 2)

	_, err = r.Resync("nobody")
	assert.ErrorIs(t, err, models.ErrNotInRoom)
}

func TestRoom_Expire(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := newRoom("room", "doc", nil, roomDeps{logger: quietLogger(), now: clock})

	a, b := newSink(16), newSink(16)
	_, err := r.Join(identity("a"), a)
	require.NoError(t, err)
	_, err = r.Join(identity("b"), b)
	require.NoError(t, err)

	r.Disconnect("b", b)
	now = now.Add(10 * time.Second)
	assert.Empty(t, r.expire(now, 30*time.Second, time.Hour))

	now = now.Add(30 * time.Second)
	assert.Equal(t, []string{"b"}, r.expire(now, 30*time.Second, time.Hour))

	now = now.Add(2 * time.Hour)
	assert.Equal(t, []string{"a"}, r.expire(now, 30*time.Second, time.Hour))
	assert.True(t, a.Closed())
	assert.Equal(t, Draining, r.Lifecycle())
}

func TestRoom_TryDestroy(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := newRoom("room", "doc", nil, roomDeps{logger: quietLogger(), now: func() time.Time { return now }})

	_, err := r.Join(identity("a"), newSink(16))
	require.NoError(t, err)
	_, _, ok := r.tryDestroy(now.Add(time.Hour), time.Minute)
	assert.False(t, ok, "occupied rooms are never destroyed")

	_, err = r.Submit(context.Background(), "a", "1", insert(0, "hi", 0))
	require.NoError(t, err)
	require.NoError(t, r.Leave("a"))

	_, _, ok = r.tryDestroy(now.Add(30*time.Second), time.Minute)
	assert.False(t, ok, "grace period not elapsed")

	snap, dirty, ok := r.tryDestroy(now.Add(time.Minute), time.Minute)
	require.True(t, ok)
	assert.True(t, dirty)
	assert.Equal(t, "hi", snap.Content)
	assert.Equal(t, Destroyed, r.Lifecycle())

	_, err = r.Join(identity("a"), newSink(16))
	assert.ErrorIs(t, err, models.ErrRoomClosed)
}

// Every client that applies the events it receives, in order, on top of the
// room state it joined with ends up with the server's document.
func TestRoom_ConcurrentClientsConverge(t *testing.T) {
	const (
		clients = 6
		opsEach = 60
	)
	r := newTestRoom(t, "seed text", 3)

	sinks := make([]*testSink, clients)
	for i := range sinks {
		sinks[i] = newSink(clients*opsEach + clients + 8)
		_, err := r.Join(identity(fmt.Sprintf("c%d", i)), sinks[i])
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(i)))
			pid := fmt.Sprintf("c%d", i)
			base := int64(3)
			for n := 0; n < opsEach; n++ {
				var op models.Operation
				switch rng.Intn(3) {
				case 0:
					op = insert(rng.Intn(20), string(rune('a'+rng.Intn(26))), base)
				case 1:
					op = models.Operation{Kind: models.OperationDelete, Index: rng.Intn(20), Length: rng.Intn(3), BaseVersion: base}
				default:
					op = models.Operation{Kind: models.OperationReplace, Index: rng.Intn(20), Length: 1, Text: "é", BaseVersion: base}
				}
				ack, err := r.Submit(context.Background(), pid, fmt.Sprintf("%s-%d", pid, n), op)
				if !assert.NoError(t, err) {
					return
				}
				// Lag behind sometimes so operations arrive stale.
				if rng.Intn(2) == 0 {
					base = ack.Version
				}
			}
		}(i)
	}
	wg.Wait()

	final := r.Snapshot()
	assert.Equal(t, int64(3+clients*opsEach), final.Version)

	for i, s := range sinks {
		evs := s.Events()
		require.NotEmpty(t, evs)
		require.Equal(t, EventRoomState, evs[0].Type)

		replica := ot.NewDocument("doc")
		replica.Restore(evs[0].State.Document)
		last := replica.Version()
		for _, ev := range evs[1:] {
			if ev.Type != EventDocumentChange && ev.Type != EventOperationAck {
				continue
			}
			require.Equal(t, last+1, ev.Version, "client %d sees versions in order", i)
			last = replica.Apply(*ev.Operation)
		}
		assert.Equal(t, final.Content, replica.Content(), "client %d converged", i)
		assert.Equal(t, final.Version, replica.Version())
	}
}
