// Package room implements collaboration rooms and the registry that owns them.
//
// A Room is the single serialization point for edits to one document: Submit,
// Join and Leave run under the room mutex, and every event they fan out is
// queued to participant sinks while that mutex is held, so all participants
// observe one shared order. Cursor updates take a separate path and are not
// ordered against edits.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilupskalvis/collab/internal/models"
	"github.com/kilupskalvis/collab/internal/ot"
)

// Lifecycle is the room state machine: Active <-> Draining -> Destroyed.
type Lifecycle int

const (
	Active Lifecycle = iota
	Draining
	Destroyed
)

func (l Lifecycle) String() string {
	switch l {
	case Active:
		return "active"
	case Draining:
		return "draining"
	default:
		return "destroyed"
	}
}

type member struct {
	p        *models.Participant // guarded by Room.mu
	sink     Sink
	lastSeen atomic.Int64 // unix nanos
}

func (m *member) touch(now time.Time) {
	m.lastSeen.Store(now.UnixNano())
}

type roomDeps struct {
	logger  *slog.Logger
	now     func() time.Time
	feed    ChangeFeed
	onEmpty func(roomID string)
	onDrift func()
}

// Room coordinates one document's participants, presence, and edits.
type Room struct {
	id         string
	documentID string
	deps       roomDeps

	mu           sync.Mutex // serializes edits and membership changes
	doc          *ot.Document
	participants map[string]*member
	lifecycle    Lifecycle
	emptiedAt    time.Time
	lastActivity time.Time
	savedVersion int64
	savedAt      time.Time

	sinksMu sync.RWMutex // guards sinks; taken after mu when both are needed
	sinks   map[string]*member

	presenceMu sync.Mutex // guards cursors; taken after sinksMu when both are needed
	cursors    map[string]*models.Cursor
}

func newRoom(id, documentID string, snap *models.Snapshot, deps roomDeps) *Room {
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	if deps.now == nil {
		deps.now = time.Now
	}

	doc := ot.NewDocument(documentID)
	doc.SetClock(deps.now)
	if snap != nil {
		doc.Restore(snap)
	}

	now := deps.now()
	return &Room{
		id:           id,
		documentID:   documentID,
		deps:         deps,
		doc:          doc,
		participants: make(map[string]*member),
		// A room nobody has joined yet is reaped like an emptied one.
		lifecycle:    Draining,
		emptiedAt:    now,
		lastActivity: now,
		savedVersion: doc.Version(),
		savedAt:      now,
		sinks:        make(map[string]*member),
		cursors:      make(map[string]*models.Cursor),
	}
}

func (r *Room) ID() string         { return r.id }
func (r *Room) DocumentID() string { return r.documentID }

// Lifecycle returns the current state machine position.
func (r *Room) Lifecycle() Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifecycle
}

// Join adds or replaces a participant and queues the room state to sink
// before any later event. Other participants receive user-joined.
func (r *Room) Join(id models.Identity, sink Sink) (*State, error) {
	r.mu.Lock()
	if r.lifecycle == Destroyed {
		r.mu.Unlock()
		return nil, models.ErrRoomClosed
	}

	now := r.deps.now()
	var stale Sink
	if prev, ok := r.participants[id.ParticipantID]; ok && prev.sink != nil && prev.sink != sink {
		stale = prev.sink
	}

	m := &member{p: models.NewParticipant(id, now), sink: sink}
	m.touch(now)
	r.participants[id.ParticipantID] = m

	r.sinksMu.Lock()
	if sink != nil {
		r.sinks[id.ParticipantID] = m
	} else {
		delete(r.sinks, id.ParticipantID)
	}
	r.sinksMu.Unlock()

	r.lifecycle = Active
	r.emptiedAt = time.Time{}
	r.lastActivity = now

	state := r.stateLocked()
	if sink != nil {
		sink.Deliver(&Event{Type: EventRoomState, RoomID: r.id, State: state, Timestamp: now})
	}
	joined := *m.p
	evicted := r.broadcastLocked(&Event{
		Type:          EventUserJoined,
		RoomID:        r.id,
		ParticipantID: id.ParticipantID,
		Participant:   &joined,
		Timestamp:     now,
	}, id.ParticipantID)
	r.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	r.closeSinks(evicted)

	r.deps.logger.Info("participant joined", "room", r.id, "participant", id.ParticipantID)
	return state, nil
}

// Leave removes a participant and its cursor. When the room becomes empty it
// enters Draining and the registry is told so it can schedule teardown.
func (r *Room) Leave(participantID string) error {
	return r.leave(participantID, false)
}

// Kick removes a participant like Leave and closes its connection.
func (r *Room) Kick(participantID string) error {
	return r.leave(participantID, true)
}

func (r *Room) leave(participantID string, closeSink bool) error {
	r.mu.Lock()
	m, ok := r.participants[participantID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrParticipantNotFound, participantID)
	}
	delete(r.participants, participantID)
	sink := m.sink

	r.sinksMu.Lock()
	delete(r.sinks, participantID)
	r.presenceMu.Lock()
	delete(r.cursors, participantID)
	r.presenceMu.Unlock()
	r.sinksMu.Unlock()

	now := r.deps.now()
	r.lastActivity = now
	evicted := r.broadcastLocked(&Event{
		Type:          EventUserLeft,
		RoomID:        r.id,
		ParticipantID: participantID,
		Timestamp:     now,
	}, participantID)

	emptied := len(r.participants) == 0 && r.lifecycle == Active
	if emptied {
		r.lifecycle = Draining
		r.emptiedAt = now
	}
	r.mu.Unlock()

	if closeSink && sink != nil {
		sink.Close()
	}
	r.closeSinks(evicted)

	r.deps.logger.Info("participant left", "room", r.id, "participant", participantID)
	if emptied {
		r.deps.logger.Info("room draining", "room", r.id)
		if r.deps.onEmpty != nil {
			r.deps.onEmpty(r.id)
		}
	}
	return nil
}

// Disconnect marks a participant inactive after its connection dropped. The
// entry is kept until it reconnects or the registry expires it. It is a no-op
// when sink no longer belongs to the participant (a newer connection rejoined).
func (r *Room) Disconnect(participantID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[participantID]
	if !ok || m.sink != sink {
		return
	}
	m.p.IsActive = false
	m.p.DisconnectedAt = r.deps.now()

	// Fan-out paths read m.sink under sinksMu only; clear it together with
	// the index entry so no reader sees an indexed member without a sink.
	r.sinksMu.Lock()
	m.sink = nil
	delete(r.sinks, participantID)
	r.sinksMu.Unlock()
}

// Submit transforms op against the current document, applies it, acks the
// author and broadcasts the transformed operation to everyone else.
func (r *Room) Submit(ctx context.Context, participantID, operationID string, op models.Operation) (*Ack, error) {
	r.mu.Lock()
	if r.lifecycle == Destroyed {
		r.mu.Unlock()
		return nil, models.ErrRoomClosed
	}
	m, ok := r.participants[participantID]
	if !ok {
		r.mu.Unlock()
		return nil, models.ErrNotInRoom
	}
	if m.p.ReadOnly {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: read-only participant", models.ErrAccessDenied)
	}

	op.OriginID = participantID
	out, res, err := ot.Transform(op, r.doc.Version(), r.doc.Len())
	if err != nil {
		version := r.doc.Version()
		r.mu.Unlock()
		r.deps.logger.Warn("operation rejected",
			"room", r.id, "participant", participantID, "base_version", op.BaseVersion,
			"version", version, "error", err)
		return nil, err
	}

	version := r.doc.Apply(out)
	out.BaseVersion = version - 1
	now := r.deps.now()
	r.lastActivity = now
	m.touch(now)

	ack := &Ack{OperationID: operationID, Operation: out, Version: version, Drifted: res.Drifted}
	if m.sink != nil {
		ackOp := out
		if !m.sink.Deliver(&Event{
			Type:          EventOperationAck,
			RoomID:        r.id,
			ParticipantID: participantID,
			OperationID:   operationID,
			Operation:     &ackOp,
			Version:       version,
			Timestamp:     now,
		}) {
			defer m.sink.Close()
		}
	}
	bcastOp := out
	evicted := r.broadcastLocked(&Event{
		Type:          EventDocumentChange,
		RoomID:        r.id,
		ParticipantID: participantID,
		Operation:     &bcastOp,
		Version:       version,
		Timestamp:     now,
	}, participantID)
	r.mu.Unlock()

	r.closeSinks(evicted)

	if res.Drifted {
		r.deps.logger.Warn("transform drift",
			"room", r.id, "participant", participantID, "delta", res.Delta,
			"index_from", op.Index, "index_to", out.Index, "version", version)
		if r.deps.onDrift != nil {
			r.deps.onDrift()
		}
	}

	if r.deps.feed != nil {
		change := &models.Change{
			RoomID:        r.id,
			DocumentID:    r.documentID,
			ParticipantID: participantID,
			Operation:     out,
			Version:       version,
			Timestamp:     now,
		}
		if err := r.deps.feed.PublishChange(ctx, change); err != nil {
			r.deps.logger.Warn("publish change failed", "room", r.id, "version", version, "error", err)
		}
	}

	return ack, nil
}

// Resync queues a fresh room state to the participant, ordered after every
// event already queued to it.
func (r *Room) Resync(participantID string) (*State, error) {
	r.mu.Lock()
	m, ok := r.participants[participantID]
	if !ok {
		r.mu.Unlock()
		return nil, models.ErrNotInRoom
	}
	state := r.stateLocked()
	sink := m.sink
	delivered := sink == nil || sink.Deliver(&Event{Type: EventRoomState, RoomID: r.id, State: state, Timestamp: r.deps.now()})
	r.mu.Unlock()

	if !delivered {
		sink.Close()
	}
	return state, nil
}

// Touch records activity for the participant.
func (r *Room) Touch(participantID string) {
	r.sinksMu.RLock()
	m, ok := r.sinks[participantID]
	r.sinksMu.RUnlock()
	if ok {
		m.touch(r.deps.now())
	}
}

// Snapshot returns the current document snapshot.
func (r *Room) Snapshot() *models.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Snapshot()
}

// Participants returns copies of the current participants ordered by join time.
func (r *Room) Participants() []*models.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participantsLocked()
}

// Counts returns the number of participants and how many are connected.
func (r *Room) Counts() (participants, connected int) {
	r.mu.Lock()
	participants = len(r.participants)
	r.mu.Unlock()

	r.sinksMu.RLock()
	connected = len(r.sinks)
	r.sinksMu.RUnlock()
	return participants, connected
}

// LastActivity returns when the room last saw a membership change or edit.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Relay fans out an update that originated on another instance.
func (r *Room) Relay(payload []byte) {
	r.sinksMu.RLock()
	defer r.sinksMu.RUnlock()

	ev := &Event{Type: EventExternalUpdate, RoomID: r.id, Payload: payload, Timestamp: r.deps.now()}
	for _, m := range r.sinks {
		m.sink.Deliver(ev)
	}
}

// expire removes participants that stayed disconnected past reconnectGrace or
// idle past idleTimeout. A zero duration disables that check.
func (r *Room) expire(now time.Time, reconnectGrace, idleTimeout time.Duration) []string {
	r.mu.Lock()
	var gone []string
	for id, m := range r.participants {
		switch {
		case !m.p.IsActive && reconnectGrace > 0 && now.Sub(m.p.DisconnectedAt) >= reconnectGrace:
			gone = append(gone, id)
		case m.p.IsActive && idleTimeout > 0 && now.Sub(time.Unix(0, m.lastSeen.Load())) >= idleTimeout:
			gone = append(gone, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(gone)
	for _, id := range gone {
		if err := r.Kick(id); err == nil {
			r.deps.logger.Info("participant expired", "room", r.id, "participant", id)
		}
	}
	return gone
}

// tryDestroy moves a Draining room whose grace period elapsed to Destroyed
// and returns its final snapshot and whether it has unsaved changes.
func (r *Room) tryDestroy(now time.Time, grace time.Duration) (*models.Snapshot, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lifecycle != Draining || len(r.participants) > 0 || now.Sub(r.emptiedAt) < grace {
		return nil, false, false
	}
	r.lifecycle = Destroyed
	return r.doc.Snapshot(), r.doc.Version() != r.savedVersion, true
}

// dirtySince returns the snapshot if the document changed since the last save
// and that save is older than interval.
func (r *Room) dirtySince(now time.Time, interval time.Duration) (*models.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.doc.Version() == r.savedVersion || now.Sub(r.savedAt) < interval {
		return nil, false
	}
	return r.doc.Snapshot(), true
}

func (r *Room) markSaved(version int64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.savedVersion {
		r.savedVersion = version
	}
	r.savedAt = at
}

func (r *Room) stateLocked() *State {
	r.presenceMu.Lock()
	cursors := make(map[string]*models.Cursor, len(r.cursors))
	for id, c := range r.cursors {
		cp := *c
		cursors[id] = &cp
	}
	r.presenceMu.Unlock()

	return &State{
		RoomID:       r.id,
		DocumentID:   r.documentID,
		Participants: r.participantsLocked(),
		Cursors:      cursors,
		Document:     r.doc.Snapshot(),
	}
}

func (r *Room) participantsLocked() []*models.Participant {
	out := make([]*models.Participant, 0, len(r.participants))
	for _, m := range r.participants {
		p := *m.p
		p.LastSeen = time.Unix(0, m.lastSeen.Load())
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// broadcastLocked queues ev to every connected participant except exclude.
// It returns sinks that could not take an event that must not be dropped.
func (r *Room) broadcastLocked(ev *Event, exclude string) []Sink {
	r.sinksMu.RLock()
	defer r.sinksMu.RUnlock()

	var evicted []Sink
	for id, m := range r.sinks {
		if id == exclude {
			continue
		}
		if !m.sink.Deliver(ev) && !ev.Droppable() {
			r.deps.logger.Warn("participant queue full, disconnecting", "room", r.id, "participant", id, "event", ev.Type)
			evicted = append(evicted, m.sink)
		}
	}
	return evicted
}

func (r *Room) closeSinks(sinks []Sink) {
	for _, s := range sinks {
		s.Close()
	}
}
