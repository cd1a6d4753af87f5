package ot

import (
	"math"
	"testing"

	"github.com/kilupskalvis/collab/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransform_SameBaseIsIdentity(t *testing.T) {
	ops := []models.Operation{
		{Kind: models.OperationInsert, Index: 3, Text: "abc", BaseVersion: 7},
		{Kind: models.OperationDelete, Index: 0, Length: 2, BaseVersion: 7},
		{Kind: models.OperationReplace, Index: 5, Length: 1, Text: "z", BaseVersion: 7},
	}
	for _, op := range ops {
		out, res, err := Transform(op, 7, 10)
		require.NoError(t, err)
		assert.Equal(t, op, out)
		assert.False(t, res.Drifted)
		assert.False(t, res.Clamped)
	}
}

func TestTransform_ShiftsByDelta(t *testing.T) {
	op := models.Operation{Kind: models.OperationInsert, Index: 10, Text: "x", BaseVersion: 2}

	out, res, err := Transform(op, 5, 100)
	require.NoError(t, err)
	assert.Equal(t, 7, out.Index)
	assert.Equal(t, int64(3), res.Delta)
	assert.True(t, res.Drifted)
}

func TestTransform_ShiftBoundedAtZero(t *testing.T) {
	op := models.Operation{Kind: models.OperationDelete, Index: 1, Length: 1, BaseVersion: 0}

	out, res, err := Transform(op, 4, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Index)
	assert.True(t, res.Drifted)
}

func TestTransform_ZeroIndexIsNotDrift(t *testing.T) {
	op := models.Operation{Kind: models.OperationInsert, Index: 0, Text: "x", BaseVersion: 0}

	out, res, err := Transform(op, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Index)
	assert.False(t, res.Drifted)
	assert.Equal(t, int64(3), res.Delta)
}

func TestTransform_StaleClientAhead(t *testing.T) {
	op := models.Operation{Kind: models.OperationInsert, Index: 0, Text: "x", BaseVersion: 9}

	_, _, err := Transform(op, 3, 10)
	assert.ErrorIs(t, err, models.ErrStaleClientAhead)
}

func TestTransform_RejectsInvalid(t *testing.T) {
	op := models.Operation{Kind: "move", Index: 0, BaseVersion: 0}

	_, _, err := Transform(op, 0, 0)
	assert.ErrorIs(t, err, models.ErrInvalidOperation)
}

func TestTransform_ClampsToContent(t *testing.T) {
	tests := []struct {
		name       string
		op         models.Operation
		length     int
		wantIndex  int
		wantLength int
	}{
		{"insert past end", models.Operation{Kind: models.OperationInsert, Index: 20, Text: "x"}, 5, 5, 0},
		{"delete overruns", models.Operation{Kind: models.OperationDelete, Index: 3, Length: 10}, 5, 3, 2},
		{"delete past end", models.Operation{Kind: models.OperationDelete, Index: 8, Length: 2}, 5, 5, 0},
		{"replace overruns", models.Operation{Kind: models.OperationReplace, Index: 4, Length: 4, Text: "y"}, 5, 4, 1},
		{"huge length", models.Operation{Kind: models.OperationDelete, Index: 2, Length: math.MaxInt}, 5, 2, 3},
		{"huge length past end", models.Operation{Kind: models.OperationReplace, Index: 9, Length: math.MaxInt, Text: "z"}, 5, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, res, err := Transform(tt.op, 0, tt.length)
			require.NoError(t, err)
			assert.True(t, res.Clamped)
			assert.Equal(t, tt.wantIndex, out.Index)
			assert.Equal(t, tt.wantLength, out.Length)
		})
	}
}
