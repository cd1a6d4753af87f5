package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kilupskalvis/collab/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultChatHistory is how many messages are kept per room.
const DefaultChatHistory = 100

// ChatLog keeps recent chat messages per room.
type ChatLog interface {
	Append(ctx context.Context, msg *models.ChatMessage) error
	// Recent returns up to limit messages, oldest first.
	Recent(ctx context.Context, roomID string, limit int) ([]*models.ChatMessage, error)
}

func chatKey(roomID string) string {
	return "room:" + roomID + ":chat"
}

// RedisChatLog stores chat history in a capped Redis list per room.
type RedisChatLog struct {
	rdb *redis.Client
	max int
}

// NewRedisChatLog creates a chat log keeping max messages per room.
func NewRedisChatLog(rdb *redis.Client, max int) *RedisChatLog {
	if max <= 0 {
		max = DefaultChatHistory
	}
	return &RedisChatLog{rdb: rdb, max: max}
}

func (l *RedisChatLog) Append(ctx context.Context, msg *models.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}
	key := chatKey(msg.RoomID)
	_, err = l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, int64(l.max-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("store chat message: %w", err)
	}
	return nil
}

func (l *RedisChatLog) Recent(ctx context.Context, roomID string, limit int) ([]*models.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := l.rdb.LRange(ctx, chatKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read chat history: %w", err)
	}

	// The list is newest first.
	out := make([]*models.ChatMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(raw[i]), &msg); err != nil {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

// MemoryChatLog keeps chat history in process. Used when Redis is not configured.
type MemoryChatLog struct {
	mu    sync.Mutex
	max   int
	rooms map[string][]*models.ChatMessage
}

// NewMemoryChatLog creates a chat log keeping max messages per room.
func NewMemoryChatLog(max int) *MemoryChatLog {
	if max <= 0 {
		max = DefaultChatHistory
	}
	return &MemoryChatLog{max: max, rooms: make(map[string][]*models.ChatMessage)}
}

func (l *MemoryChatLog) Append(_ context.Context, msg *models.ChatMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := *msg
	msgs := append(l.rooms[msg.RoomID], &cp)
	if len(msgs) > l.max {
		msgs = msgs[len(msgs)-l.max:]
	}
	l.rooms[msg.RoomID] = msgs
	return nil
}

func (l *MemoryChatLog) Recent(_ context.Context, roomID string, limit int) ([]*models.ChatMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	msgs := l.rooms[roomID]
	if limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.ChatMessage, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

// Forget drops the history of a room.
func (l *MemoryChatLog) Forget(roomID string) {
	l.mu.Lock()
	delete(l.rooms, roomID)
	l.mu.Unlock()
}
