package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kilupskalvis/collab/internal/models"
)

// EventType names an outbound room event.
type EventType string

const (
	EventRoomState      EventType = "room-state"
	EventUserJoined     EventType = "user-joined"
	EventUserLeft       EventType = "user-left"
	EventDocumentChange EventType = "document-change"
	EventOperationAck   EventType = "operation-ack"
	EventCursorUpdate   EventType = "cursor-update"
	EventChatMessage    EventType = "chat-message"
	EventCallSignal     EventType = "call-signal"
	EventExternalUpdate EventType = "external-update"
	EventFileOperation  EventType = "file-operation"
	EventTerminalInput  EventType = "terminal-input"
)

// Event is delivered to participant sinks. Only the fields relevant to Type
// are set.
type Event struct {
	Type          EventType
	RoomID        string
	ParticipantID string
	Participant   *models.Participant
	OperationID   string
	Operation     *models.Operation
	Version       int64
	Cursor        *models.Cursor
	Chat          *models.ChatMessage
	Signal        *models.Signal
	DisplayName   string
	State         *State
	Payload       json.RawMessage
	Timestamp     time.Time
}

// Droppable reports whether the event may be discarded when a participant's
// queue is full. Edits, acks and membership changes may not.
func (ev *Event) Droppable() bool {
	switch ev.Type {
	case EventCursorUpdate, EventChatMessage, EventCallSignal, EventExternalUpdate,
		EventFileOperation, EventTerminalInput:
		return true
	}
	return false
}

// Sink receives events for one connected participant.
type Sink interface {
	// Deliver queues ev without blocking. It returns false if the queue is
	// full or the sink is closed.
	Deliver(ev *Event) bool
	// Close tears down the underlying connection. Safe to call repeatedly.
	Close()
}

// State is the room snapshot sent to a participant on join or resync.
type State struct {
	RoomID       string                    `json:"roomId"`
	DocumentID   string                    `json:"documentId"`
	Participants []*models.Participant     `json:"participants"`
	Cursors      map[string]*models.Cursor `json:"cursors"`
	Document     *models.Snapshot          `json:"document"`
}

// Ack is returned to the author of an accepted operation.
type Ack struct {
	OperationID string
	Operation   models.Operation
	Version     int64
	Drifted     bool
}

// ChangeFeed publishes committed operations outside the process.
type ChangeFeed interface {
	PublishChange(ctx context.Context, c *models.Change) error
}
