package remote

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
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
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient wraps a RoomClient and retries calls that fail with network
// errors, 5xx or 429 responses.
type RetryClient struct {
	inner  RoomClient
	config *RetryConfig
}

// NewRetryClient creates a RetryClient that wraps the given RoomClient.
func NewRetryClient(inner RoomClient, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	return true
}

// backoff returns the delay before retry number attempt (0-based): the
// initial backoff doubled per attempt, capped, with +/- jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	d := rc.config.InitialBackoff << min(attempt, 30)
	if d <= 0 || d > rc.config.MaxBackoff {
		d = rc.config.MaxBackoff
	}
	spread := float64(d) * rc.config.JitterFraction
	d += time.Duration(spread * (2*rand.Float64() - 1))
	return max(d, 0)
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRetry runs fn until it succeeds, fails permanently, or the retries
// are used up.
func withRetry[T any](ctx context.Context, rc *RetryClient, operation string, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn()
		switch {
		case err == nil:
			return v, nil
		case !isTransient(err):
			return zero, err
		case attempt >= rc.config.MaxRetries:
			return zero, fmt.Errorf("%s: %w (after %d retries)", operation, err, rc.config.MaxRetries)
		}
		if werr := wait(ctx, rc.backoff(attempt)); werr != nil {
			return zero, fmt.Errorf("%s: %w (retry cancelled)", operation, err)
		}
	}
}

func (rc *RetryClient) Status(ctx context.Context) (*StatusResponse, error) {
	return withRetry(ctx, rc, "status", func() (*StatusResponse, error) {
		return rc.inner.Status(ctx)
	})
}

func (rc *RetryClient) Participants(ctx context.Context, roomID string) (*ParticipantsResponse, error) {
	return withRetry(ctx, rc, "participants", func() (*ParticipantsResponse, error) {
		return rc.inner.Participants(ctx, roomID)
	})
}

func (rc *RetryClient) Chat(ctx context.Context, roomID string, limit int) (*ChatResponse, error) {
	return withRetry(ctx, rc, "chat", func() (*ChatResponse, error) {
		return rc.inner.Chat(ctx, roomID, limit)
	})
}

func (rc *RetryClient) Document(ctx context.Context, roomID string) (*DocumentResponse, error) {
	return withRetry(ctx, rc, "document", func() (*DocumentResponse, error) {
		return rc.inner.Document(ctx, roomID)
	})
}

// Dial retries the websocket handshake. Rejected credentials are not retried.
func (rc *RetryClient) Dial(ctx context.Context) (*Conn, error) {
	return withRetry(ctx, rc, "dial", func() (*Conn, error) {
		return rc.inner.Dial(ctx)
	})
}
