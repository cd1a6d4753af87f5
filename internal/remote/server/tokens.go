package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/collab/internal/models"
)

// Token permissions.
const (
	PermissionReadOnly  = "ro"
	PermissionReadWrite = "rw"
)

const tokenPrefix = "collab_"

// ErrTokenNotFound is returned by token stores for unknown token ids.
var ErrTokenNotFound = errors.New("token not found")

// TokenInfo is the persisted record of an issued token. Only the hash of the
// raw token is kept. A token stands for exactly one participant.
type TokenInfo struct {
	ID            string    `json:"id"`
	TokenHash     string    `json:"token_hash"`
	Desc          string    `json:"description"`
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	Avatar        string    `json:"avatar,omitempty"`
	Rooms         []string  `json:"rooms"`
	Permission    string    `json:"permission"`
	CreatedAt     time.Time `json:"created_at"`
	LastUsedAt    time.Time `json:"last_used_at,omitempty"`
}

// Identity returns the participant identity the token stands for.
func (t *TokenInfo) Identity() models.Identity {
	id := models.Identity{
		ParticipantID: t.ParticipantID,
		DisplayName:   t.DisplayName,
		AvatarRef:     t.Avatar,
		ReadOnly:      t.Permission != PermissionReadWrite,
	}
	if id.DisplayName == "" {
		id.DisplayName = t.ParticipantID
	}
	return id
}

// CanAccess reports whether the token may join room. "*" grants every room.
func (t *TokenInfo) CanAccess(room string) bool {
	return slices.Contains(t.Rooms, "*") || slices.Contains(t.Rooms, room)
}

// TokenParams describes a token to create.
type TokenParams struct {
	Desc          string
	ParticipantID string
	DisplayName   string
	Avatar        string
	Rooms         []string
	Permission    string
}

// TokenStore is the interface for managing authentication tokens.
type TokenStore interface {
	GetByHash(hash string) (*TokenInfo, error)
	UpdateLastUsed(id string) error
	ListTokens() ([]*TokenInfo, error)
	DeleteToken(id string) error
	CreateToken(params TokenParams) (rawToken string, info *TokenInfo, err error)
}

// HashToken returns the SHA256 hex digest of a raw token string.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// FileTokenStore keeps tokens in memory, indexed by hash and by id, and
// persists them to a JSON file with an atomic rename on every change.
type FileTokenStore struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	byHash map[string]*TokenInfo
	byID   map[string]*TokenInfo

	saveMu sync.Mutex
}

// NewFileTokenStore creates an empty store persisted at path.
func NewFileTokenStore(path string, logger *slog.Logger) *FileTokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileTokenStore{
		path:   path,
		logger: logger,
		byHash: make(map[string]*TokenInfo),
		byID:   make(map[string]*TokenInfo),
	}
}

// Load replaces the in-memory set with the contents of the token file.
// A missing file is reported as os.ErrNotExist.
func (s *FileTokenStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var tokens []*TokenInfo
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("parse token store: %w", err)
	}

	byHash := make(map[string]*TokenInfo, len(tokens))
	byID := make(map[string]*TokenInfo, len(tokens))
	for _, t := range tokens {
		byHash[t.TokenHash] = t
		byID[t.ID] = t
	}

	s.mu.Lock()
	s.byHash, s.byID = byHash, byID
	s.mu.Unlock()

	s.logger.Info("loaded tokens", "count", len(tokens), "path", s.path)
	return nil
}

// GetByHash returns a copy of the token with the given hash, or nil.
func (s *FileTokenStore) GetByHash(hash string) (*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.byHash[hash]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

// UpdateLastUsed records the time in memory; it is persisted with the next save.
func (s *FileTokenStore) UpdateLastUsed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}
	t.LastUsedAt = time.Now().UTC()
	return nil
}

func (s *FileTokenStore) CreateToken(params TokenParams) (string, *TokenInfo, error) {
	if strings.TrimSpace(params.ParticipantID) == "" {
		return "", nil, errors.New("participant id is required")
	}
	if params.Permission == "" {
		params.Permission = PermissionReadWrite
	}
	if len(params.Rooms) == 0 {
		params.Rooms = []string{"*"}
	}

	raw := tokenPrefix + rand.Text()
	info := &TokenInfo{
		ID:            uuid.NewString(),
		TokenHash:     HashToken(raw),
		Desc:          params.Desc,
		ParticipantID: params.ParticipantID,
		DisplayName:   params.DisplayName,
		Avatar:        params.Avatar,
		Rooms:         slices.Clone(params.Rooms),
		Permission:    params.Permission,
		CreatedAt:     time.Now().UTC(),
	}

	s.mu.Lock()
	s.byHash[info.TokenHash] = info
	s.byID[info.ID] = info
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		return "", nil, fmt.Errorf("persist token: %w", err)
	}
	cp := *info
	return raw, &cp, nil
}

// ListTokens returns copies of all tokens, oldest first.
func (s *FileTokenStore) ListTokens() ([]*TokenInfo, error) {
	s.mu.RLock()
	tokens := make([]*TokenInfo, 0, len(s.byID))
	for _, t := range s.byID {
		cp := *t
		tokens = append(tokens, &cp)
	}
	s.mu.RUnlock()

	slices.SortFunc(tokens, func(a, b *TokenInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return tokens, nil
}

func (s *FileTokenStore) DeleteToken(id string) error {
	s.mu.Lock()
	t, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
		delete(s.byHash, t.TokenHash)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: '%s'", ErrTokenNotFound, id)
	}
	return s.Save()
}

// Save writes every token to the token file. Concurrent saves are
// serialized and each one writes a complete file.
func (s *FileTokenStore) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	tokens, _ := s.ListTokens()
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokens-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write tokens: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod tokens: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tokens: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}
