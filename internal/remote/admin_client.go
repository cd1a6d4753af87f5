package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"time"
)

// AdminClient talks to the /admin API with the admin token. It is separate
// from HTTPClient and does not implement RoomClient.
type AdminClient struct {
	ep endpoint
}

// NewAdminClient creates an admin API client. It warns on stderr when the
// admin token would travel over plain HTTP to a non-loopback host.
func NewAdminClient(baseURL, token string) *AdminClient {
	if insecureRemote(baseURL) {
		fmt.Fprintln(os.Stderr, "warning: sending credentials over unencrypted HTTP connection")
	}
	return &AdminClient{ep: newEndpoint(baseURL, token)}
}

func insecureRemote(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return false
	}
	addr, err := netip.ParseAddr(host)
	return err != nil || !addr.IsLoopback()
}

// AdminTokenCreateRequest is the request body for POST /admin/tokens.
type AdminTokenCreateRequest struct {
	Description   string   `json:"description"`
	ParticipantID string   `json:"participant_id"`
	DisplayName   string   `json:"display_name,omitempty"`
	Avatar        string   `json:"avatar,omitempty"`
	Rooms         []string `json:"rooms,omitempty"`
	Permission    string   `json:"permission,omitempty"`
}

// AdminTokenInfo is one entry in the GET /admin/tokens response.
type AdminTokenInfo struct {
	ID            string    `json:"id"`
	Description   string    `json:"description"`
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	Avatar        string    `json:"avatar,omitempty"`
	Rooms         []string  `json:"rooms"`
	Permission    string    `json:"permission"`
	CreatedAt     time.Time `json:"created_at"`
	LastUsedAt    time.Time `json:"last_used_at"`
}

// AdminTokenCreateResponse carries the raw token, which the server never
// returns again, plus its metadata.
type AdminTokenCreateResponse struct {
	Token string `json:"token"`
	AdminTokenInfo
}

func (c *AdminClient) CreateToken(ctx context.Context, req *AdminTokenCreateRequest) (*AdminTokenCreateResponse, error) {
	var resp AdminTokenCreateResponse
	if err := c.ep.call(ctx, http.MethodPost, c.ep.url("admin", "tokens"), req, &resp); err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &resp, nil
}

func (c *AdminClient) ListTokens(ctx context.Context) ([]AdminTokenInfo, error) {
	tokens, err := get[[]AdminTokenInfo](ctx, c.ep, c.ep.url("admin", "tokens"))
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return *tokens, nil
}

func (c *AdminClient) DeleteToken(ctx context.Context, id string) error {
	if err := c.ep.call(ctx, http.MethodDelete, c.ep.url("admin", "tokens", id), nil, nil); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// ListRooms returns every live room, active and draining.
func (c *AdminClient) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	rooms, err := get[[]RoomInfo](ctx, c.ep, c.ep.url("admin", "rooms"))
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return *rooms, nil
}

// FlushRoom persists a live room's document immediately.
func (c *AdminClient) FlushRoom(ctx context.Context, roomID string) (*FlushResponse, error) {
	var resp FlushResponse
	if err := c.ep.call(ctx, http.MethodPost, c.ep.url("admin", "rooms", roomID, "flush"), nil, &resp); err != nil {
		return nil, fmt.Errorf("flush room %s: %w", roomID, err)
	}
	return &resp, nil
}

// GC removes stored snapshots of closed documents older than maxAge. A zero
// maxAge uses the server's retention.
func (c *AdminClient) GC(ctx context.Context, maxAge time.Duration) (*GCResponse, error) {
	target := c.ep.url("admin", "gc")
	if maxAge > 0 {
		target += "?max_age=" + url.QueryEscape(maxAge.String())
	}
	var resp GCResponse
	if err := c.ep.call(ctx, http.MethodPost, target, nil, &resp); err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}
	return &resp, nil
}
