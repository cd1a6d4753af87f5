package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kilupskalvis/collab/internal/models"
	"github.com/kilupskalvis/collab/internal/relay"
	"github.com/kilupskalvis/collab/internal/remote"
	"github.com/kilupskalvis/collab/internal/room"
	"github.com/kilupskalvis/collab/internal/store"
)

const (
	defaultChatLimit = 50
	maxChatLimit     = 100
)

// ServerConfig holds configurable limits and collaborators for the server.
type ServerConfig struct {
	MaxRequestBody    int64  // bytes, for JSON endpoints
	MaxMessageBytes   int64  // bytes, per websocket message
	RequestsPerMinute int    // per-token rate limit
	AdminToken        string // for admin endpoints
	AllowedOrigins    []string

	QueueSize    int // outbound messages buffered per connection
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	// SnapshotRetention is the default age past which stored snapshots of
	// closed documents are removed by POST /admin/gc.
	SnapshotRetention time.Duration

	Store store.SnapshotStore
	Chat  relay.ChatLog
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody:    1 << 20,
		MaxMessageBytes:   1 << 20,
		RequestsPerMinute: 300,
		QueueSize:         256,
		PingInterval:      30 * time.Second,
		PongWait:          70 * time.Second,
		WriteWait:         10 * time.Second,
		SnapshotRetention: 30 * 24 * time.Hour,
	}
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and closes open
// websocket connections; call it on server shutdown.
func Handler(rooms *room.Registry, tokens TokenStore, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Chat == nil {
		cfg.Chat = relay.NewMemoryChatLog(relay.DefaultChatHistory)
	}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	auth := authMiddleware(tokens, logger)
	gw := &gateway{
		rooms:    rooms,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	// applyMiddleware reverses the list, so the last item runs outermost (first).
	// Execution order: auth -> rl -> handler
	withAuth := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, rl.middleware)
	}
	// Execution order: auth -> requireRoom -> rl -> handler
	withRoom := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, requireRoom, rl.middleware)
	}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Store != nil {
			if err := cfg.Store.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("not ready: snapshot store unavailable"))
				return
			}
		}
		if _, err := tokens.ListTokens(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: token store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", gw.handleStatus)

	// Admin endpoints
	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/tokens", makeAdminCreateTokenHandler(tokens, logger))
		adminMux.HandleFunc("DELETE /admin/tokens/{id}", makeAdminDeleteTokenHandler(tokens, logger))
		adminMux.HandleFunc("GET /admin/tokens", makeAdminListTokensHandler(tokens, logger))
		adminMux.HandleFunc("GET /admin/rooms", gw.handleAdminListRooms)
		adminMux.HandleFunc("POST /admin/rooms/{room}/flush", gw.handleAdminFlush)
		adminMux.HandleFunc("POST /admin/gc", gw.handleAdminGC)
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	// Realtime
	mux.Handle("GET /ws", withAuth(gw.handleWebsocket))

	// Rooms
	mux.Handle("GET /api/v1/rooms/{room}/participants", withRoom(gw.handleParticipants))
	mux.Handle("GET /api/v1/rooms/{room}/chat", withRoom(gw.handleChat))
	mux.Handle("GET /api/v1/rooms/{room}/document", withRoom(gw.handleDocument))

	// Apply global middleware
	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		requestIDMiddleware,
	)

	cleanup := func() {
		rl.Stop()
		gw.closeAll()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// originChecker allows any origin when allowed is empty.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[origin] || set[u.Host]
	}
}

type gateway struct {
	rooms    *room.Registry
	cfg      *ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
}

func (g *gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := tokenFromContext(r.Context())

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := newSession(conn, token, g.rooms, g.cfg, g.logger)
	g.mu.Lock()
	g.sessions[s] = struct{}{}
	g.mu.Unlock()

	s.logger.Info("websocket connected")
	// The request context ends when the handler returns; the session
	// outlives it only inside run.
	s.run(r.Context())

	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
	s.logger.Info("websocket closed")
}

func (g *gateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for s := range g.sessions {
		s.Close()
	}
}

func (g *gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := g.rooms.Stats()
	writeJSON(w, http.StatusOK, &remote.StatusResponse{
		Status:         "healthy",
		Service:        "collab",
		Rooms:          st.Rooms,
		ActiveRooms:    st.ActiveRooms,
		DrainingRooms:  st.DrainingRooms,
		Participants:   st.Participants,
		Connected:      st.Connected,
		DriftCount:     st.DriftCount,
		PendingFlushes: st.PendingFlushes,
		Timestamp:      time.Now().UTC(),
	})
}

func (g *gateway) handleParticipants(w http.ResponseWriter, r *http.Request) {
	rm, err := g.rooms.Get(r.PathValue("room"))
	if err != nil {
		writeError(w, err)
		return
	}
	participants := rm.Participants()
	writeJSON(w, http.StatusOK, &remote.ParticipantsResponse{Participants: participants, Count: len(participants)})
}

func (g *gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	limit := defaultChatLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeProblem(w, http.StatusBadRequest, models.KindBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxChatLimit)
	}

	msgs, err := g.cfg.Chat.Recent(r.Context(), r.PathValue("room"), limit)
	if err != nil {
		g.logger.Error("read chat history", "room", r.PathValue("room"), "error", err)
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, &remote.ChatResponse{Messages: msgs, Count: len(msgs)})
}

// handleDocument serves the live document if the room is open, otherwise the
// last stored snapshot of the document with the room's id.
func (g *gateway) handleDocument(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	if rm, err := g.rooms.Get(roomID); err == nil {
		snap := rm.Snapshot()
		writeJSON(w, http.StatusOK, &remote.DocumentResponse{RoomID: roomID, DocumentID: snap.DocumentID, Content: snap.Content, Version: snap.Version})
		return
	}

	if g.cfg.Store == nil {
		writeError(w, fmt.Errorf("%w: %s", models.ErrRoomNotFound, roomID))
		return
	}
	snap, err := g.cfg.Store.Load(r.Context(), roomID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, fmt.Errorf("%w: %s", models.ErrRoomNotFound, roomID))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &remote.DocumentResponse{RoomID: roomID, DocumentID: snap.DocumentID, Content: snap.Content, Version: snap.Version})
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func adminAuth(adminToken string, next http.Handler) http.Handler {
	expected := "Bearer " + adminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			writeProblem(w, http.StatusUnauthorized, "auth_failed", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to a status code and the wire error kind.
func writeError(w http.ResponseWriter, err error) {
	kind := models.ErrorKind(err)
	status := http.StatusInternalServerError
	switch kind {
	case models.KindRoomNotFound:
		status = http.StatusNotFound
	case models.KindAccessDenied:
		status = http.StatusForbidden
	case models.KindBadRequest, models.KindInvalidOperation:
		status = http.StatusBadRequest
	case models.KindStaleClientAhead:
		status = http.StatusConflict
	}
	writeProblem(w, status, kind, err.Error())
}

func readJSON(r *http.Request, maxSize int64, v interface{}) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// --- Admin Handlers ---

// tokenEntry is token metadata without the hash.
type tokenEntry struct {
	ID            string    `json:"id"`
	Description   string    `json:"description"`
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	Avatar        string    `json:"avatar,omitempty"`
	Rooms         []string  `json:"rooms"`
	Permission    string    `json:"permission"`
	CreatedAt     time.Time `json:"created_at"`
	LastUsedAt    time.Time `json:"last_used_at,omitempty"`
}

func newTokenEntry(t *TokenInfo) tokenEntry {
	return tokenEntry{
		ID:            t.ID,
		Description:   t.Desc,
		ParticipantID: t.ParticipantID,
		DisplayName:   t.DisplayName,
		Avatar:        t.Avatar,
		Rooms:         t.Rooms,
		Permission:    t.Permission,
		CreatedAt:     t.CreatedAt,
		LastUsedAt:    t.LastUsedAt,
	}
}

func makeAdminCreateTokenHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Description   string   `json:"description"`
			ParticipantID string   `json:"participant_id"`
			DisplayName   string   `json:"display_name"`
			Avatar        string   `json:"avatar"`
			Rooms         []string `json:"rooms"`
			Permission    string   `json:"permission"`
		}
		if err := readJSON(r, 1<<20, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, models.KindBadRequest, "invalid JSON")
			return
		}
		if req.ParticipantID == "" {
			writeProblem(w, http.StatusBadRequest, models.KindBadRequest, "participant_id is required")
			return
		}
		if req.Permission == "" {
			req.Permission = PermissionReadWrite
		}
		if req.Permission != PermissionReadOnly && req.Permission != PermissionReadWrite {
			writeProblem(w, http.StatusBadRequest, models.KindBadRequest, "permission must be 'ro' or 'rw'")
			return
		}

		rawToken, info, err := tokens.CreateToken(TokenParams{
			Desc:          req.Description,
			ParticipantID: req.ParticipantID,
			DisplayName:   req.DisplayName,
			Avatar:        req.Avatar,
			Rooms:         req.Rooms,
			Permission:    req.Permission,
		})
		if err != nil {
			logger.Error("create token", "error", err)
			writeProblem(w, http.StatusInternalServerError, models.KindInternal, err.Error())
			return
		}

		writeJSON(w, http.StatusCreated, struct {
			Token string `json:"token"`
			tokenEntry
		}{Token: rawToken, tokenEntry: newTokenEntry(info)})
	}
}

func makeAdminListTokensHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := tokens.ListTokens()
		if err != nil {
			logger.Error("list tokens", "error", err)
			writeProblem(w, http.StatusInternalServerError, models.KindInternal, err.Error())
			return
		}

		entries := make([]tokenEntry, len(list))
		for i, t := range list {
			entries[i] = newTokenEntry(t)
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func makeAdminDeleteTokenHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeProblem(w, http.StatusBadRequest, models.KindBadRequest, "token ID required")
			return
		}

		if err := tokens.DeleteToken(id); err != nil {
			logger.Error("delete token", "error", err, "token_id", id)
			writeProblem(w, http.StatusNotFound, "not_found", err.Error())
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

func (g *gateway) handleAdminListRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.rooms.Rooms())
}

// handleAdminFlush persists a live room's document immediately.
func (g *gateway) handleAdminFlush(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	snap, err := g.rooms.Flush(r.Context(), roomID)
	if err != nil {
		g.logger.Error("flush room", "room", roomID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &remote.FlushResponse{RoomID: roomID, DocumentID: snap.DocumentID, Version: snap.Version})
}

// handleAdminGC prunes stored snapshots. max_age overrides the configured
// retention, e.g. ?max_age=72h.
func (g *gateway) handleAdminGC(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Store == nil {
		writeProblem(w, http.StatusServiceUnavailable, models.KindInternal, "no snapshot store configured")
		return
	}

	maxAge := g.cfg.SnapshotRetention
	if v := r.URL.Query().Get("max_age"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeProblem(w, http.StatusBadRequest, models.KindBadRequest, "max_age must be a positive duration")
			return
		}
		maxAge = d
	}

	live := make(map[string]bool)
	for _, info := range g.rooms.Rooms() {
		live[info.DocumentID] = true
	}

	result, err := GarbageCollect(r.Context(), g.cfg.Store, live, maxAge, time.Now().UTC(), g.logger)
	if err != nil {
		g.logger.Error("gc", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
