package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// endpoint is the HTTP plumbing shared by HTTPClient and AdminClient: a base
// URL, an optional bearer token, and JSON request/response handling.
type endpoint struct {
	base   string
	token  string
	client *http.Client
}

func newEndpoint(baseURL, token string) endpoint {
	return endpoint{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// url joins the base URL with path segments, escaping each segment.
func (e endpoint) url(segments ...string) string {
	var b strings.Builder
	b.WriteString(e.base)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// call sends in as the JSON body (when non-nil) and decodes the response
// into out (when non-nil). Responses of 400 and above become *RemoteError.
func (e endpoint) call(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// get is call for GET requests that decode into a fresh T.
func get[T any](ctx context.Context, e endpoint, target string) (*T, error) {
	var v T
	if err := e.call(ctx, http.MethodGet, target, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// RemoteError represents a structured error from the server.
type RemoteError struct {
	Code    string
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("remote error: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

// decodeError reads the server's {"error","message"} body. Bodies that are
// not JSON, such as proxy error pages, keep their status and first line.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er ErrorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Error != "" {
		return &RemoteError{Code: er.Error, Message: er.Message, Status: resp.StatusCode}
	}
	msg := strings.TrimSpace(string(data))
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &RemoteError{Code: "unknown", Message: msg, Status: resp.StatusCode}
}
