package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// WebhookEvent represents the payload sent to webhook URLs.
type WebhookEvent struct {
	Event      string `json:"event"`
	Room       string `json:"room"`
	DocumentID string `json:"document"`
	Version    int64  `json:"version"`
	Timestamp  string `json:"timestamp"`
}

// WebhookConfig holds the list of configured webhook URLs.
type WebhookConfig struct {
	URLs []string
	// RetryDelay is the base delay between attempts; defaults to one second.
	RetryDelay time.Duration
	// MaxRetries is the number of retries after a 5xx or network failure.
	MaxRetries int
}

const webhookQueueSize = 64

// WebhookNotifier delivers room events to webhook URLs from a single
// background worker, in the order they were raised.
type WebhookNotifier struct {
	config *WebhookConfig
	client *http.Client
	logger *slog.Logger

	queue  chan *WebhookEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewWebhookNotifier creates a webhook notifier and starts its worker.
// Returns nil if no URLs are configured; a nil notifier ignores all calls.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	wn := &WebhookNotifier{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		queue:  make(chan *WebhookEvent, webhookQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go wn.run()
	return wn
}

// NotifyRoomClosed queues a room.closed event. It never blocks; the event is
// dropped with a warning when the queue is full or the notifier is closed.
func (wn *WebhookNotifier) NotifyRoomClosed(room, documentID string, version int64) {
	if wn == nil {
		return
	}
	wn.enqueue(&WebhookEvent{
		Event:      "room.closed",
		Room:       room,
		DocumentID: documentID,
		Version:    version,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

func (wn *WebhookNotifier) enqueue(event *WebhookEvent) {
	wn.mu.RLock()
	defer wn.mu.RUnlock()
	if wn.closed {
		return
	}
	select {
	case wn.queue <- event:
	default:
		wn.logger.Warn("webhook: queue full, dropping event", "event", event.Event, "room", event.Room)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// When ctx ends first, in-flight requests are cancelled.
func (wn *WebhookNotifier) Close(ctx context.Context) error {
	if wn == nil {
		return nil
	}
	wn.closeOnce.Do(func() {
		wn.mu.Lock()
		wn.closed = true
		close(wn.queue)
		wn.mu.Unlock()
	})
	select {
	case <-wn.done:
		return nil
	case <-ctx.Done():
		wn.cancel()
		<-wn.done
		return ctx.Err()
	}
}

func (wn *WebhookNotifier) run() {
	defer close(wn.done)
	for event := range wn.queue {
		wn.send(event)
	}
}

func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range wn.config.URLs {
		if err := wn.post(url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "event", event.Event, "error", err)
		} else {
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event)
		}
	}
}

// post sends one event to url, retrying 5xx responses and network errors
// with a linearly growing delay.
func (wn *WebhookNotifier) post(url string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= wn.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * wn.config.RetryDelay):
			case <-wn.ctx.Done():
				return fmt.Errorf("%w (cancelled)", lastErr)
			}
		}

		req, err := http.NewRequestWithContext(wn.ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "collab-server/1.0")

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode < 500:
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return lastErr
}
