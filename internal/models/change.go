package models

import "time"

// Change is a committed operation as published to other server instances.
type Change struct {
	RoomID        string    `json:"roomId"`
	DocumentID    string    `json:"documentId"`
	ParticipantID string    `json:"participantId"`
	Operation     Operation `json:"operation"`
	Version       int64     `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
}
