package models

import (
	"fmt"
	"unicode/utf16"
)

// OperationKind represents the type of text edit
type OperationKind string

const (
	OperationInsert  OperationKind = "insert"
	OperationDelete  OperationKind = "delete"
	OperationReplace OperationKind = "replace"
)

// Valid reports whether k is a known edit kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationInsert, OperationDelete, OperationReplace:
		return true
	}
	return false
}

// Operation represents a single edit against a document.
// Index and Length count UTF-16 code units, not bytes or code points, so
// they agree with offsets computed by browser editors.
type Operation struct {
	Kind        OperationKind `json:"type"`
	Index       int           `json:"index"`
	Text        string        `json:"text,omitempty"`
	Length      int           `json:"length,omitempty"`
	BaseVersion int64         `json:"baseVersion"`
	OriginID    string        `json:"originId,omitempty"`
}

// NewOperation builds an Operation from wire input and validates it.
func NewOperation(kind string, index int, text string, length int, baseVersion int64, originID string) (Operation, error) {
	op := Operation{
		Kind:        OperationKind(kind),
		Index:       index,
		Text:        text,
		Length:      length,
		BaseVersion: baseVersion,
		OriginID:    originID,
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	// Normalise fields the kind does not use.
	switch op.Kind {
	case OperationInsert:
		op.Length = 0
	case OperationDelete:
		op.Text = ""
	}
	return op, nil
}

// Validate checks the structural invariants of an operation. It does not know
// the document length; bounds against content are enforced by the transform.
func (op Operation) Validate() error {
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	if op.Index < 0 {
		return fmt.Errorf("%w: negative index %d", ErrInvalidOperation, op.Index)
	}
	if (op.Kind == OperationDelete || op.Kind == OperationReplace) && op.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidOperation, op.Length)
	}
	if op.BaseVersion < 0 {
		return fmt.Errorf("%w: negative base version %d", ErrInvalidOperation, op.BaseVersion)
	}
	return nil
}

// Removes returns the number of code units the operation deletes.
func (op Operation) Removes() int {
	if op.Kind == OperationInsert {
		return 0
	}
	return op.Length
}

// Inserts returns the text the operation inserts.
func (op Operation) Inserts() string {
	if op.Kind == OperationDelete {
		return ""
	}
	return op.Text
}

func (op Operation) String() string {
	switch op.Kind {
	case OperationInsert:
		return fmt.Sprintf("insert@%d(%q)", op.Index, op.Text)
	case OperationDelete:
		return fmt.Sprintf("delete@%d(%d)", op.Index, op.Length)
	default:
		return fmt.Sprintf("replace@%d(%d,%q)", op.Index, op.Length, op.Text)
	}
}

// TextLen returns the length of s in UTF-16 code units.
func TextLen(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
