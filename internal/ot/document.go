package ot

import (
	"time"
	"unicode/utf16"

	"github.com/kilupskalvis/collab/internal/models"
)

// Document is a versioned text buffer held as UTF-16 code units, the unit
// operation offsets are expressed in. It is not safe for concurrent use; the
// owning room serializes all access.
type Document struct {
	id           string
	content      []uint16
	version      int64
	lastModified time.Time
	now          func() time.Time
}

// NewDocument creates an empty document at version 0.
func NewDocument(id string) *Document {
	return &Document{id: id, now: time.Now}
}

// Restore replaces the buffer with a persisted snapshot.
func (d *Document) Restore(s *models.Snapshot) {
	d.content = utf16.Encode([]rune(s.Content))
	d.version = s.Version
	d.lastModified = s.UpdatedAt
}

// SetClock overrides the time source, for tests.
func (d *Document) SetClock(now func() time.Time) {
	d.now = now
}

func (d *Document) ID() string              { return d.id }
func (d *Document) Version() int64          { return d.version }
func (d *Document) Len() int                { return len(d.content) }
func (d *Document) Content() string         { return decode(d.content) }
func (d *Document) LastModified() time.Time { return d.lastModified }

// Apply mutates the content with an already transformed operation and returns
// the new version. Out-of-range bounds are clamped, never rejected. Bounds
// that would split a surrogate pair are widened to cover the whole pair.
func (d *Document) Apply(op models.Operation) int64 {
	n := len(d.content)
	start := min(max(op.Index, 0), n)
	end := start
	if rm := op.Removes(); rm > 0 {
		end = n
		if rm < n-start {
			end = start + rm
		}
	}
	if start < n && isLowSurrogate(d.content[start]) && start > 0 {
		start--
		if end == start+1 {
			end = start
		}
	}
	if end > start && end < n && isLowSurrogate(d.content[end]) {
		end++
	}

	ins := utf16.Encode([]rune(op.Inserts()))
	next := make([]uint16, 0, n-(end-start)+len(ins))
	next = append(next, d.content[:start]...)
	next = append(next, ins...)
	next = append(next, d.content[end:]...)

	d.content = next
	d.version++
	d.lastModified = d.now()
	return d.version
}

func isLowSurrogate(u uint16) bool {
	return u >= 0xdc00 && u <= 0xdfff
}

func decode(units []uint16) string {
	return string(utf16.Decode(units))
}

// Snapshot returns a read-only copy of the current state.
func (d *Document) Snapshot() *models.Snapshot {
	return &models.Snapshot{
		DocumentID: d.id,
		Content:    decode(d.content),
		Version:    d.version,
		UpdatedAt:  d.lastModified,
	}
}
