package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &RemoteError{Status: 500, Code: "internal_error"}, true},
		{"bad gateway", &RemoteError{Status: http.StatusBadGateway}, true},
		{"rate limited", &RemoteError{Status: http.StatusTooManyRequests, Code: "rate_limited"}, true},
		{"not found", &RemoteError{Status: 404, Code: "room_not_found"}, false},
		{"unauthorized", &RemoteError{Status: 401, Code: "auth_failed"}, false},
		{"wrapped unauthorized", fmt.Errorf("dial: %w", &RemoteError{Status: 401}), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), false},
		{"network", errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestRetryClient_Backoff(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{6, 5 * time.Second},
		{80, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rc.backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryClient_BackoffJitterBounds(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		JitterFraction: 0.5,
	})
	for i := 0; i < 100; i++ {
		d := rc.backoff(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestWithRetry(t *testing.T) {
	serverErr := &RemoteError{Status: 500, Code: "internal_error"}
	tests := []struct {
		name         string
		maxRetries   int
		failures     int
		failWith     error
		wantAttempts int
		wantErr      string
	}{
		{name: "succeeds after transient failures", maxRetries: 3, failures: 2, failWith: serverErr, wantAttempts: 3},
		{name: "exhausted", maxRetries: 2, failures: 10, failWith: serverErr, wantAttempts: 3, wantErr: "after 2 retries"},
		{name: "permanent error", maxRetries: 3, failures: 10, failWith: &RemoteError{Status: 404}, wantAttempts: 1, wantErr: "remote error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := NewRetryClient(nil, &RetryConfig{
				MaxRetries:     tt.maxRetries,
				InitialBackoff: time.Millisecond,
				MaxBackoff:     5 * time.Millisecond,
			})
			attempts := 0
			got, err := withRetry(context.Background(), rc, "op", func() (int, error) {
				attempts++
				if attempts <= tt.failures {
					return 0, tt.failWith
				}
				return 42, nil
			})
			assert.Equal(t, tt.wantAttempts, attempts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Zero(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 42, got)
		})
	}
}

func TestWithRetry_ContextCancellation(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := withRetry(ctx, rc, "op", func() (struct{}, error) {
		return struct{}{}, &RemoteError{Status: 503}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
}

func TestWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, wait(ctx, 10*time.Second), context.Canceled)
	assert.NoError(t, wait(context.Background(), time.Millisecond))
}

// flakyClient fails the first failures calls of Status and always rejects Dial.
type flakyClient struct {
	RoomClient
	failures int
	calls    int
	dials    int
}

func (f *flakyClient) Status(context.Context) (*StatusResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &RemoteError{Status: http.StatusServiceUnavailable, Code: "unavailable"}
	}
	return &StatusResponse{Status: "healthy"}, nil
}

func (f *flakyClient) Dial(context.Context) (*Conn, error) {
	f.dials++
	return nil, &RemoteError{Status: http.StatusUnauthorized, Code: "auth_failed"}
}

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetryClient_DelegatesWithRetry(t *testing.T) {
	inner := &flakyClient{failures: 2}
	rc := NewRetryClient(inner, fastRetry())

	st, err := rc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryClient_DialDoesNotRetryAuthFailure(t *testing.T) {
	inner := &flakyClient{}
	rc := NewRetryClient(inner, fastRetry())

	conn, err := rc.Dial(context.Background())
	assert.Nil(t, conn)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusUnauthorized, re.Status)
	assert.Equal(t, 1, inner.dials)
}
