package remote

import (
	"context"
	"fmt"
	"strconv"
)

// RoomClient defines the contract for talking to a collab server as a
// participant: read-only room queries plus the realtime connection.
type RoomClient interface {
	Status(ctx context.Context) (*StatusResponse, error)
	Participants(ctx context.Context, roomID string) (*ParticipantsResponse, error)
	Chat(ctx context.Context, roomID string, limit int) (*ChatResponse, error)
	Document(ctx context.Context, roomID string) (*DocumentResponse, error)

	Dial(ctx context.Context) (*Conn, error)
}

// HTTPClient implements RoomClient over HTTP and websockets.
type HTTPClient struct {
	ep endpoint
}

// NewHTTPClient creates a client for the server at baseURL authenticating
// with a participant token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{ep: newEndpoint(baseURL, token)}
}

func (c *HTTPClient) room(roomID, resource string) string {
	return c.ep.url("api", "v1", "rooms", roomID, resource)
}

// Status returns the server's health and room counters. No token is needed.
func (c *HTTPClient) Status(ctx context.Context) (*StatusResponse, error) {
	resp, err := get[StatusResponse](ctx, c.ep, c.ep.url("status"))
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return resp, nil
}

func (c *HTTPClient) Participants(ctx context.Context, roomID string) (*ParticipantsResponse, error) {
	resp, err := get[ParticipantsResponse](ctx, c.ep, c.room(roomID, "participants"))
	if err != nil {
		return nil, fmt.Errorf("list participants of %s: %w", roomID, err)
	}
	return resp, nil
}

// Chat returns up to limit recent chat messages, oldest first. A limit of
// zero uses the server default.
func (c *HTTPClient) Chat(ctx context.Context, roomID string, limit int) (*ChatResponse, error) {
	target := c.room(roomID, "chat")
	if limit > 0 {
		target += "?limit=" + strconv.Itoa(limit)
	}
	resp, err := get[ChatResponse](ctx, c.ep, target)
	if err != nil {
		return nil, fmt.Errorf("get chat of %s: %w", roomID, err)
	}
	return resp, nil
}

// Document returns the current text of a room's document, or its last
// snapshot when the room is not live.
func (c *HTTPClient) Document(ctx context.Context, roomID string) (*DocumentResponse, error) {
	resp, err := get[DocumentResponse](ctx, c.ep, c.room(roomID, "document"))
	if err != nil {
		return nil, fmt.Errorf("get document of %s: %w", roomID, err)
	}
	return resp, nil
}

// Dial opens the realtime connection.
func (c *HTTPClient) Dial(ctx context.Context) (*Conn, error) {
	return Dial(ctx, c.ep.base, c.ep.token)
}
