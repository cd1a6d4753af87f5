package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/kilupskalvis/collab/internal/models"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryStore wraps a SnapshotStore with automatic retry on transient errors.
type RetryStore struct {
	inner  SnapshotStore
	config *RetryConfig
}

// NewRetryStore creates a RetryStore that wraps the given SnapshotStore.
func NewRetryStore(inner SnapshotStore, cfg *RetryConfig) *RetryStore {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryStore{inner: inner, config: cfg}
}

// Unwrap returns the wrapped store.
func (rs *RetryStore) Unwrap() SnapshotStore {
	return rs.inner
}

// isTransient reports whether a store error is worth another attempt.
// Missing snapshots and cancelled contexts are final.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// backoff doubles the initial delay per attempt up to MaxBackoff and
// spreads it by JitterFraction in both directions.
func (rs *RetryStore) backoff(attempt int) time.Duration {
	d := rs.config.InitialBackoff << min(attempt, 30)
	if d <= 0 || d > rs.config.MaxBackoff {
		d = rs.config.MaxBackoff
	}
	spread := float64(d) * rs.config.JitterFraction
	return max(d+time.Duration(spread*(2*rand.Float64()-1)), 0)
}

func retryValue[T any](ctx context.Context, rs *RetryStore, operation string, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !isTransient(err) {
			return zero, err
		}
		if attempt >= rs.config.MaxRetries {
			return zero, fmt.Errorf("%s: %w (after %d retries)", operation, err, attempt)
		}
		timer := time.NewTimer(rs.backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s: %w (retry cancelled)", operation, err)
		}
	}
}

func (rs *RetryStore) retry(ctx context.Context, operation string, fn func() error) error {
	_, err := retryValue(ctx, rs, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (rs *RetryStore) Load(ctx context.Context, documentID string) (*models.Snapshot, error) {
	return retryValue(ctx, rs, "load snapshot", func() (*models.Snapshot, error) {
		return rs.inner.Load(ctx, documentID)
	})
}

func (rs *RetryStore) Save(ctx context.Context, snap *models.Snapshot) error {
	return rs.retry(ctx, "save snapshot", func() error {
		return rs.inner.Save(ctx, snap)
	})
}

func (rs *RetryStore) Delete(ctx context.Context, documentID string) error {
	return rs.retry(ctx, "delete snapshot", func() error {
		return rs.inner.Delete(ctx, documentID)
	})
}

func (rs *RetryStore) List(ctx context.Context) ([]*models.Snapshot, error) {
	return retryValue(ctx, rs, "list snapshots", func() ([]*models.Snapshot, error) {
		return rs.inner.List(ctx)
	})
}

// Ping is not retried; readiness probes want the current answer.
func (rs *RetryStore) Ping(ctx context.Context) error {
	return rs.inner.Ping(ctx)
}

func (rs *RetryStore) Close() error {
	return rs.inner.Close()
}
