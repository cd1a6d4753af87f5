// Package remote defines the collab wire protocol and the clients that speak it.
package remote

import (
	"encoding/json"
	"time"

	"github.com/kilupskalvis/collab/internal/models"
)

// Message types sent by clients.
const (
	TypeJoinRoom       = "join-room"
	TypeLeaveRoom      = "leave-room"
	TypeDocumentChange = "document-change"
	TypeCursorPosition = "cursor-position"
	TypeChatMessage    = "chat-message"
	TypeRequestState   = "request-state"
	TypePing           = "ping"
	TypeCallSignal     = "call-signal"
	TypeFileOperation  = "file-operation"
	TypeTerminalInput  = "terminal-input"
)

// Message types sent by the server. document-change, chat-message,
// call-signal, file-operation and terminal-input are shared with the client
// side. The last two carry an opaque payload the server does not inspect.
const (
	TypeRoomState      = "room-state"
	TypeUserJoined     = "user-joined"
	TypeUserLeft       = "user-left"
	TypeOperationAck   = "operation-ack"
	TypeCursorUpdate   = "cursor-update"
	TypeExternalUpdate = "external-update"
	TypePong           = "pong"
	TypeError          = "error"
)

// Message is the JSON envelope exchanged over the websocket. Only the fields
// relevant to Type are set.
type Message struct {
	Type string `json:"type"`

	RoomID     string `json:"roomId,omitempty"`
	DocumentID string `json:"documentId,omitempty"`

	OperationID string            `json:"operationId,omitempty"`
	Operation   *models.Operation `json:"operation,omitempty"`
	BaseVersion *int64            `json:"baseVersion,omitempty"`
	Version     int64             `json:"version,omitempty"`

	ParticipantID string                    `json:"participantId,omitempty"`
	Participant   *models.Participant       `json:"participant,omitempty"`
	Participants  []*models.Participant     `json:"participants,omitempty"`
	Cursors       map[string]*models.Cursor `json:"cursors,omitempty"`
	Document      *DocumentState            `json:"document,omitempty"`

	Position  *models.Position  `json:"position,omitempty"`
	Selection *models.Selection `json:"selection,omitempty"`

	ID          string `json:"id,omitempty"`
	Text        string `json:"text,omitempty"`
	Kind        string `json:"kind,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	TargetParticipantID string          `json:"targetParticipantId,omitempty"`
	FromParticipantID   string          `json:"fromParticipantId,omitempty"`
	Signal              json.RawMessage `json:"signal,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`

	Message   string     `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// DocumentState is the document as carried in room-state.
type DocumentState struct {
	Content string `json:"content"`
	Version int64  `json:"version"`
}

// ParticipantsResponse is returned by GET /api/v1/rooms/{room}/participants.
type ParticipantsResponse struct {
	Participants []*models.Participant `json:"participants"`
	Count        int                   `json:"count"`
}

// ChatResponse is returned by GET /api/v1/rooms/{room}/chat.
type ChatResponse struct {
	Messages []*models.ChatMessage `json:"messages"`
	Count    int                   `json:"count"`
}

// DocumentResponse is returned by GET /api/v1/rooms/{room}/document.
type DocumentResponse struct {
	RoomID     string `json:"room_id"`
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
	Version    int64  `json:"version"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status         string    `json:"status"`
	Service        string    `json:"service"`
	Rooms          int       `json:"rooms"`
	ActiveRooms    int       `json:"active_rooms"`
	DrainingRooms  int       `json:"draining_rooms"`
	Participants   int       `json:"participants"`
	Connected      int       `json:"connected"`
	DriftCount     int64     `json:"drift_count"`
	PendingFlushes int       `json:"pending_flushes"`
	Timestamp      time.Time `json:"timestamp"`
}

// FlushResponse is returned by POST /admin/rooms/{room}/flush.
type FlushResponse struct {
	RoomID     string `json:"room_id"`
	DocumentID string `json:"document_id"`
	Version    int64  `json:"version"`
}

// ErrorResponse is the structured error format returned by the server.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RoomInfo is one entry of GET /admin/rooms.
type RoomInfo struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	State        string    `json:"state"`
	Version      int64     `json:"version"`
	Participants int       `json:"participants"`
	Connected    int       `json:"connected"`
	LastActivity time.Time `json:"last_activity"`
}

// GCResponse is returned by POST /admin/gc.
type GCResponse struct {
	SnapshotsScanned int `json:"snapshots_scanned"`
	SnapshotsDeleted int `json:"snapshots_deleted"`
	LiveDocuments    int `json:"live_documents"`
}
