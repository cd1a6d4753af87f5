package models

import "errors"

// Sentinel errors shared by the room, gateway and store layers.
var (
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrStaleClientAhead    = errors.New("client base version is ahead of the document")
	ErrRoomNotFound        = errors.New("room not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrNotInRoom           = errors.New("not in the specified room")
	ErrRoomClosed          = errors.New("room closed")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrDocumentMismatch    = errors.New("room is bound to a different document")
)

// Error kinds sent to clients in error events and HTTP bodies.
const (
	KindInvalidOperation = "invalid_operation"
	KindStaleClientAhead = "stale_client_ahead"
	KindRoomNotFound     = "room_not_found"
	KindAccessDenied     = "access_denied"
	KindBadRequest       = "bad_request"
	KindInternal         = "internal_error"
)

// ErrorKind maps err to the kind string reported on the wire.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidOperation):
		return KindInvalidOperation
	case errors.Is(err, ErrStaleClientAhead):
		return KindStaleClientAhead
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrNotInRoom), errors.Is(err, ErrRoomClosed):
		return KindRoomNotFound
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrParticipantNotFound), errors.Is(err, ErrDocumentMismatch):
		return KindBadRequest
	default:
		return KindInternal
	}
}
