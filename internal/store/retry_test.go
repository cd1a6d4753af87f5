package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kilupskalvis/collab/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first failures calls of Save with err.
type flakyStore struct {
	SnapshotStore
	failures int
	err      error
	calls    int
}

func (f *flakyStore) Save(ctx context.Context, s *models.Snapshot) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.SnapshotStore.Save(ctx, s)
}

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(ErrNotFound))
	assert.False(t, isTransient(context.Canceled))
	assert.True(t, isTransient(errors.New("database is locked")))
}

func TestRetryStore_Backoff(t *testing.T) {
	rs := NewRetryStore(nil, &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
		JitterFraction: 0.0,
	})

	assert.Equal(t, 100*time.Millisecond, rs.backoff(0))
	assert.Equal(t, 200*time.Millisecond, rs.backoff(1))
	assert.Equal(t, 250*time.Millisecond, rs.backoff(2), "capped at max")
}

func TestRetryStore_RecoversFromTransientFailure(t *testing.T) {
	inner := &flakyStore{SnapshotStore: newBboltTestStore(t), failures: 2, err: errors.New("disk busy")}
	rs := NewRetryStore(inner, fastRetry())

	err := rs.Save(context.Background(), &models.Snapshot{DocumentID: "d", Content: "c", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)

	got, err := rs.Load(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, "c", got.Content)
}

func TestRetryStore_GivesUp(t *testing.T) {
	inner := &flakyStore{SnapshotStore: newBboltTestStore(t), failures: 100, err: errors.New("disk gone")}
	rs := NewRetryStore(inner, fastRetry())

	err := rs.Save(context.Background(), &models.Snapshot{DocumentID: "d", Version: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 retries")
	assert.Equal(t, 4, inner.calls)
}

func TestRetryStore_NotFoundIsNotRetried(t *testing.T) {
	rs := NewRetryStore(newBboltTestStore(t), fastRetry())

	_, err := rs.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryStore_CancelledContext(t *testing.T) {
	inner := &flakyStore{SnapshotStore: newBboltTestStore(t), failures: 100, err: errors.New("disk gone")}
	rs := NewRetryStore(inner, &RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rs.Save(ctx, &models.Snapshot{DocumentID: "d", Version: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, inner.calls)
}
