package models

import (
	"encoding/json"
	"time"
)

// ChatMessage is a chat line posted to a room.
type ChatMessage struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"roomId"`
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName,omitempty"`
	AvatarRef     string    `json:"avatar,omitempty"`
	Text          string    `json:"text"`
	Kind          string    `json:"kind"`
	Timestamp     time.Time `json:"timestamp"`
}

// Signal is an opaque call-signalling payload relayed between two participants.
type Signal struct {
	FromParticipantID   string          `json:"fromParticipantId"`
	TargetParticipantID string          `json:"targetParticipantId"`
	Kind                string          `json:"kind,omitempty"`
	Payload             json.RawMessage `json:"signal,omitempty"`
}
