package room

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kilupskalvis/collab/internal/models"
)

// UpdateCursor records the participant's cursor and broadcasts it to the
// other connected participants. Cursor traffic does not take the room edit
// lock, so it is never ordered against document changes.
func (r *Room) UpdateCursor(participantID string, pos models.Position, sel *models.Selection) (*models.Cursor, error) {
	r.sinksMu.RLock()
	defer r.sinksMu.RUnlock()

	m, ok := r.sinks[participantID]
	if !ok {
		return nil, models.ErrNotInRoom
	}
	now := r.deps.now()
	m.touch(now)

	c := &models.Cursor{ParticipantID: participantID, Position: pos, Timestamp: now}
	if sel != nil {
		s := *sel
		c.Selection = &s
	}

	r.presenceMu.Lock()
	r.cursors[participantID] = c
	r.presenceMu.Unlock()

	out := *c
	ev := &Event{Type: EventCursorUpdate, RoomID: r.id, ParticipantID: participantID, Cursor: &out, Timestamp: now}
	for id, other := range r.sinks {
		if id != participantID {
			other.sink.Deliver(ev)
		}
	}
	return c, nil
}

// Cursors returns a copy of the known cursors keyed by participant.
func (r *Room) Cursors() map[string]*models.Cursor {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	out := make(map[string]*models.Cursor, len(r.cursors))
	for id, c := range r.cursors {
		cp := *c
		out[id] = &cp
	}
	return out
}

// Chat builds a chat message from the participant and delivers it to every
// connected participant, sender included.
func (r *Room) Chat(participantID, text, kind string) (*models.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty chat message")
	}
	if kind == "" {
		kind = "text"
	}

	r.sinksMu.RLock()
	defer r.sinksMu.RUnlock()

	m, ok := r.sinks[participantID]
	if !ok {
		return nil, models.ErrNotInRoom
	}
	now := r.deps.now()
	m.touch(now)

	msg := &models.ChatMessage{
		ID:            uuid.NewString(),
		RoomID:        r.id,
		ParticipantID: participantID,
		DisplayName:   m.p.DisplayName,
		AvatarRef:     m.p.AvatarRef,
		Text:          text,
		Kind:          kind,
		Timestamp:     now,
	}
	ev := &Event{Type: EventChatMessage, RoomID: r.id, ParticipantID: participantID, Chat: msg, Timestamp: now}
	for _, other := range r.sinks {
		other.sink.Deliver(ev)
	}
	return msg, nil
}

// Signal relays an opaque call-signalling payload to a single participant.
func (r *Room) Signal(from, target, kind string, payload json.RawMessage) error {
	r.sinksMu.RLock()
	defer r.sinksMu.RUnlock()

	if _, ok := r.sinks[from]; !ok {
		return models.ErrNotInRoom
	}
	dst, ok := r.sinks[target]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrParticipantNotFound, target)
	}
	now := r.deps.now()
	dst.sink.Deliver(&Event{
		Type:          EventCallSignal,
		RoomID:        r.id,
		ParticipantID: from,
		Signal: &models.Signal{
			FromParticipantID:   from,
			TargetParticipantID: target,
			Kind:                kind,
			Payload:             payload,
		},
		Timestamp: now,
	})
	return nil
}

// Forward relays an opaque payload from one participant to every other
// connected participant. Only file-operation and terminal-input are
// forwarded, only from read-write participants; file operations also count
// as room activity.
func (r *Room) Forward(from string, typ EventType, payload json.RawMessage) error {
	if typ != EventFileOperation && typ != EventTerminalInput {
		return fmt.Errorf("%w: %s is not forwarded", models.ErrInvalidOperation, typ)
	}
	now := r.deps.now()

	r.sinksMu.RLock()
	m, ok := r.sinks[from]
	if !ok {
		r.sinksMu.RUnlock()
		return models.ErrNotInRoom
	}
	if m.p.ReadOnly {
		r.sinksMu.RUnlock()
		return fmt.Errorf("%w: read-only participant", models.ErrAccessDenied)
	}
	m.touch(now)
	ev := &Event{
		Type:          typ,
		RoomID:        r.id,
		ParticipantID: from,
		DisplayName:   m.p.DisplayName,
		Payload:       payload,
		Timestamp:     now,
	}
	for id, other := range r.sinks {
		if id != from {
			other.sink.Deliver(ev)
		}
	}
	r.sinksMu.RUnlock()

	if typ == EventFileOperation {
		r.mu.Lock()
		r.lastActivity = now
		r.mu.Unlock()
	}
	return nil
}
