// Package relay connects rooms to Redis: committed changes are published for
// other instances and consumers, external updates are fanned into local
// rooms, and chat history is kept in capped lists.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kilupskalvis/collab/internal/models"
	"github.com/redis/go-redis/v9"
)

// ExternalPattern is the channel pattern other services publish room updates on.
const ExternalPattern = "collaboration:*"

// ChangesChannel returns the channel committed changes of roomID go to.
func ChangesChannel(roomID string) string {
	return "room:" + roomID + ":changes"
}

// ExternalChannel returns the channel that external updates for roomID arrive on.
func ExternalChannel(roomID string) string {
	return "collaboration:" + roomID
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// changeMessage is the payload published per committed operation.
type changeMessage struct {
	Instance string `json:"instance"`
	*models.Change
}

// RedisFeed publishes committed changes and subscribes to external updates.
type RedisFeed struct {
	rdb      *redis.Client
	instance string
	logger   *slog.Logger
}

// NewRedisFeed creates a feed. instance tags published messages so an
// instance can recognise its own traffic.
func NewRedisFeed(rdb *redis.Client, instance string, logger *slog.Logger) *RedisFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{rdb: rdb, instance: instance, logger: logger}
}

// PublishChange implements room.ChangeFeed.
func (f *RedisFeed) PublishChange(ctx context.Context, c *models.Change) error {
	data, err := json.Marshal(changeMessage{Instance: f.instance, Change: c})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := f.rdb.Publish(ctx, ChangesChannel(c.RoomID), data).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe delivers every message published on ExternalPattern to deliver
// until ctx is done. Messages that are not JSON, or that this instance
// published itself, are skipped.
func (f *RedisFeed) Subscribe(ctx context.Context, deliver func(roomID string, payload []byte)) error {
	ps := f.rdb.PSubscribe(ctx, ExternalPattern)
	defer ps.Close()

	// Wait for the subscription to be confirmed before reporting success.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ExternalPattern, err)
	}
	f.logger.Info("subscribed to external updates", "pattern", ExternalPattern)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			roomID, ok := roomFromChannel(msg.Channel)
			if !ok {
				continue
			}
			payload := []byte(msg.Payload)
			if !json.Valid(payload) {
				f.logger.Warn("dropping malformed external update", "channel", msg.Channel)
				continue
			}
			if f.isOwn(payload) {
				continue
			}
			deliver(roomID, payload)
		}
	}
}

func (f *RedisFeed) isOwn(payload []byte) bool {
	var probe struct {
		Instance string `json:"instance"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.Instance != "" && probe.Instance == f.instance
}

// PublishExternal sends an update to every instance hosting roomID.
func (f *RedisFeed) PublishExternal(ctx context.Context, roomID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	return f.rdb.Publish(ctx, ExternalChannel(roomID), data).Err()
}

func roomFromChannel(channel string) (string, bool) {
	parts := strings.SplitN(channel, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
