package models

import "time"

// Snapshot is the persisted state of a document.
type Snapshot struct {
	DocumentID string    `json:"document_id"`
	Content    string    `json:"content"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}
