// Package ot implements the server-authoritative transform and the versioned
// text buffer it feeds.
//
// The transform is a positional shift rather than a content-aware merge: an
// operation authored against an older version has its index moved left by the
// number of versions it missed, then clamped to the current content. Under
// contention this can place an edit at the wrong offset; callers observe that
// through Result.Drifted.
package ot

import (
	"fmt"

	"github.com/kilupskalvis/collab/internal/models"
)

// Result describes what Transform did to an operation.
type Result struct {
	// Delta is the number of versions the operation was behind.
	Delta int64
	// Drifted is true when the index was shifted to compensate for Delta.
	Drifted bool
	// Clamped is true when index or length had to be cut to fit the content.
	Clamped bool
}

// Transform reconciles op against a document at version with length UTF-16
// code units. The returned operation is always applicable to that document.
func Transform(op models.Operation, version int64, length int) (models.Operation, Result, error) {
	var res Result

	if err := op.Validate(); err != nil {
		return op, res, err
	}
	if op.BaseVersion > version {
		return op, res, fmt.Errorf("%w: base %d, current %d", models.ErrStaleClientAhead, op.BaseVersion, version)
	}

	out := op
	if op.BaseVersion < version {
		res.Delta = version - op.BaseVersion
		idx := int64(op.Index) - res.Delta
		if idx < 0 {
			idx = 0
		}
		if int(idx) != op.Index {
			res.Drifted = true
		}
		out.Index = int(idx)
	}

	if out.Index > length {
		out.Index = length
		res.Clamped = true
	}
	if out.Kind != models.OperationInsert && out.Length > length-out.Index {
		out.Length = length - out.Index
		res.Clamped = true
	}
	return out, res, nil
}
