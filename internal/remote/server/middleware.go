// Package server implements the collab HTTP and websocket gateway.
package server

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/collab/internal/models"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	tokenKey
)

func tokenFromContext(ctx context.Context) *TokenInfo {
	info, _ := ctx.Value(tokenKey).(*TokenInfo)
	return info
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// writeProblem writes the JSON error body shared by every endpoint.
func writeProblem(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}

// requestIDMiddleware tags each request with an id. A well-formed
// X-Request-ID from the caller is kept so traces line up across services.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// loggingMiddleware logs one line per request. Server errors log at error
// level, client errors at warn, and health probes at debug.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)

			status := rw.status()
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			case r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
				level = slog.LevelDebug
			}
			logger.LogAttrs(r.Context(), level, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", requestIDFromContext(r.Context())),
			)
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500 when nothing has been
// written yet.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered", "error", rec, "request_id", requestIDFromContext(r.Context()))
				if rw.code == 0 {
					writeProblem(rw, http.StatusInternalServerError, models.KindInternal, "internal server error")
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// bearerToken extracts the raw token from the Authorization header, falling
// back to the token query parameter for browser websocket clients.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return ""
		}
		return raw
	}
	return r.URL.Query().Get("token")
}

// authMiddleware resolves the bearer token and stores it in the request
// context. Last-used timestamps are recorded off the request path, with at
// most maxTouches updates in flight.
func authMiddleware(tokens TokenStore, logger *slog.Logger) func(http.Handler) http.Handler {
	const maxTouches = 20
	touches := make(chan struct{}, maxTouches)
	touch := func(id string) {
		select {
		case touches <- struct{}{}:
		default:
			return
		}
		go func() {
			defer func() { <-touches }()
			if err := tokens.UpdateLastUsed(id); err != nil {
				logger.Warn("failed to update token last_used_at", "error", err, "token_id", id)
			}
		}()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeProblem(w, http.StatusUnauthorized, "auth_failed", "missing or invalid Authorization header")
				return
			}
			info, err := tokens.GetByHash(HashToken(raw))
			if err != nil {
				logger.Error("token lookup failed", "error", err)
			}
			if info == nil {
				writeProblem(w, http.StatusUnauthorized, "auth_failed", "invalid token")
				return
			}
			touch(info.ID)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey, info)))
		})
	}
}

// requireRoom checks that the token has access to the room in the path.
func requireRoom(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		room := r.PathValue("room")
		if room == "" {
			writeProblem(w, http.StatusBadRequest, models.KindBadRequest, "missing room id in path")
			return
		}
		if info := tokenFromContext(r.Context()); info == nil || !info.CanAccess(room) {
			writeProblem(w, http.StatusForbidden, models.KindAccessDenied, "token does not have access to room '"+room+"'")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter is a per-key token bucket holding up to limit tokens and
// refilling at limit tokens per minute.
type rateLimiter struct {
	limit float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	done chan struct{}
	stop sync.Once
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	rl := &rateLimiter{
		limit:   float64(requestsPerMinute),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	if requestsPerMinute > 0 {
		go rl.evictLoop(5 * time.Minute)
	}
	return rl
}

// evictLoop drops buckets that have refilled completely; they carry no state
// a fresh bucket would not.
func (rl *rateLimiter) evictLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, b := range rl.buckets {
				if rl.refill(b, now) >= rl.limit {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) Stop() {
	rl.stop.Do(func() { close(rl.done) })
}

func (rl *rateLimiter) refill(b *bucket, now time.Time) float64 {
	b.tokens = min(rl.limit, b.tokens+float64(now.Sub(b.last))*rl.limit/float64(time.Minute))
	b.last = now
	return b.tokens
}

// take spends one token for key. When the bucket is empty it returns false
// and the wait until the next token.
func (rl *rateLimiter) take(key string) (bool, time.Duration) {
	if rl.limit <= 0 {
		return true, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.limit, last: now}
		rl.buckets[key] = b
	}
	if rl.refill(b, now) >= 1 {
		b.tokens--
		return true, 0
	}
	return false, time.Duration(float64(time.Minute) * (1 - b.tokens) / rl.limit)
}

func (rl *rateLimiter) allow(key string) bool {
	ok, _ := rl.take(key)
	return ok
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientAddr(r)
		if info := tokenFromContext(r.Context()); info != nil && info.ID != "" {
			key = info.ID
		}
		if ok, wait := rl.take(key); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeProblem(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseWriter records the status code. It passes Flush and Hijack
// through so websocket upgrades work behind the middleware chain.
type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) status() int {
	if rw.code == 0 {
		return http.StatusOK
	}
	return rw.code
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.code == 0 {
		rw.code = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	if rw.code == 0 {
		rw.code = http.StatusOK
	}
	return rw.ResponseWriter.Write(p)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		rw.code = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
