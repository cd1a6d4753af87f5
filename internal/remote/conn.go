package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kilupskalvis/collab/internal/models"
)

// ErrConnClosed is returned when sending on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is a client-side realtime connection. Incoming messages are read by a
// background goroutine and delivered on Messages; the channel is closed when
// the connection ends.
type Conn struct {
	ws *websocket.Conn

	writeMu  sync.Mutex
	messages chan *Message
	done     chan struct{}
	once     sync.Once

	errMu sync.Mutex
	err   error
}

// WebsocketURL converts a server base URL to the realtime endpoint.
func WebsocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// Dial connects to the server at baseURL. The token is sent as a bearer header.
func Dial(ctx context.Context, baseURL, token string) (*Conn, error) {
	wsURL, err := WebsocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("dial %s: %w", wsURL, decodeError(resp))
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Conn{
		ws:       ws,
		messages: make(chan *Message, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.messages)
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.setErr(err)
			}
			return
		}
		select {
		case c.messages <- &msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the error that ended the connection, if any. A normal close
// yields nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if websocket.IsCloseError(c.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return c.err
}

// Messages returns the stream of server messages.
func (c *Conn) Messages() <-chan *Message {
	return c.messages
}

// Send writes one message. Safe for concurrent use.
func (c *Conn) Send(msg *Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Next waits for the next message of type typ, discarding others. Error
// messages from the server are returned as *RemoteError.
func (c *Conn) Next(ctx context.Context, typ string) (*Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-c.messages:
			if !ok {
				if err := c.Err(); err != nil {
					return nil, err
				}
				return nil, ErrConnClosed
			}
			if msg.Type == typ {
				return msg, nil
			}
			if msg.Type == TypeError {
				return nil, &RemoteError{Code: msg.Kind, Message: msg.Message}
			}
		}
	}
}

// Join enters a room and waits for its initial state. An empty documentID
// binds the room to the document of the same name.
func (c *Conn) Join(ctx context.Context, roomID, documentID string) (*Message, error) {
	if err := c.Send(&Message{Type: TypeJoinRoom, RoomID: roomID, DocumentID: documentID}); err != nil {
		return nil, err
	}
	return c.Next(ctx, TypeRoomState)
}

// Submit sends an edit and waits for its acknowledgement.
func (c *Conn) Submit(ctx context.Context, operationID string, op models.Operation) (*Message, error) {
	base := op.BaseVersion
	if err := c.Send(&Message{
		Type:        TypeDocumentChange,
		OperationID: operationID,
		Operation:   &op,
		BaseVersion: &base,
	}); err != nil {
		return nil, err
	}
	return c.Next(ctx, TypeOperationAck)
}

// Ping sends an application-level ping and waits for the pong.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.Send(&Message{Type: TypePing}); err != nil {
		return err
	}
	_, err := c.Next(ctx, TypePong)
	return err
}

// Close sends a close frame and tears down the connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
