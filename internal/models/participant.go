package models

import "time"

// Identity is the verified identity handed to the core by the auth layer.
type Identity struct {
	ParticipantID string
	DisplayName   string
	AvatarRef     string
	ReadOnly      bool
}

// Participant is a member of a room
type Participant struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"displayName"`
	AvatarRef      string    `json:"avatar,omitempty"`
	JoinedAt       time.Time `json:"joinedAt"`
	IsActive       bool      `json:"isActive"`
	ReadOnly       bool      `json:"readOnly,omitempty"`
	LastSeen       time.Time `json:"-"`
	DisconnectedAt time.Time `json:"-"`
}

// NewParticipant creates an active participant for the identity.
func NewParticipant(id Identity, now time.Time) *Participant {
	return &Participant{
		ID:          id.ParticipantID,
		DisplayName: id.DisplayName,
		AvatarRef:   id.AvatarRef,
		JoinedAt:    now,
		IsActive:    true,
		ReadOnly:    id.ReadOnly,
		LastSeen:    now,
	}
}
