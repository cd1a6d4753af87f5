package models

import "time"

// Position locates a cursor either by line/column or by absolute offset.
type Position struct {
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Selection is a selected range [Start, End).
type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Cursor is the last known cursor and selection of a participant.
type Cursor struct {
	ParticipantID string     `json:"participantId"`
	Position      Position   `json:"position"`
	Selection     *Selection `json:"selection,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}
