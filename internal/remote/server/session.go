package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kilupskalvis/collab/internal/models"
	"github.com/kilupskalvis/collab/internal/relay"
	"github.com/kilupskalvis/collab/internal/remote"
	"github.com/kilupskalvis/collab/internal/room"
)

// session is one websocket connection. It is the room.Sink for its
// participant: events are converted to wire messages and queued without
// blocking; a single writer goroutine drains the queue.
type session struct {
	id       string
	conn     *websocket.Conn
	token    *TokenInfo
	identity models.Identity
	rooms    *room.Registry
	chat     relay.ChatLog
	cfg      *ServerConfig
	logger   *slog.Logger

	send      chan *remote.Message
	closed    chan struct{}
	closeOnce sync.Once

	// current is only touched by the reader goroutine.
	current *room.Room
}

func newSession(conn *websocket.Conn, token *TokenInfo, rooms *room.Registry, cfg *ServerConfig, logger *slog.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:       id,
		conn:     conn,
		token:    token,
		identity: token.Identity(),
		rooms:    rooms,
		chat:     cfg.Chat,
		cfg:      cfg,
		logger:   logger.With("conn", id, "participant", token.ParticipantID),
		send:     make(chan *remote.Message, cfg.QueueSize),
		closed:   make(chan struct{}),
	}
}

// Deliver implements room.Sink.
func (s *session) Deliver(ev *room.Event) bool {
	return s.enqueue(encodeEvent(ev))
}

// Close implements room.Sink. The writer notices and closes the connection.
func (s *session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *session) enqueue(msg *remote.Message) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// reply queues a message for this connection only. A full queue means the
// client stopped reading; the connection is dropped.
func (s *session) reply(msg *remote.Message) {
	if !s.enqueue(msg) {
		s.Close()
	}
}

func (s *session) replyError(err error, operationID string) {
	s.reply(&remote.Message{
		Type:        remote.TypeError,
		Kind:        models.ErrorKind(err),
		Message:     err.Error(),
		OperationID: operationID,
	})
}

// run serves the connection until either side closes it.
func (s *session) run(ctx context.Context) {
	go s.writePump()
	s.readPump(ctx)

	s.Close()
	if s.current != nil {
		s.current.Disconnect(s.identity.ParticipantID, s)
		s.logger.Info("participant disconnected", "room", s.current.ID())
	}
}

func (s *session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	// Pongs only keep the socket alive. Idle expiry counts application
	// messages, so a tab left open still times out.
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		var msg remote.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.replyError(fmt.Errorf("malformed message: %w", err), "")
			continue
		}
		s.handle(ctx, &msg)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *session) handle(ctx context.Context, msg *remote.Message) {
	switch msg.Type {
	case remote.TypeJoinRoom:
		s.handleJoin(ctx, msg)
	case remote.TypeLeaveRoom:
		s.handleLeave()
	case remote.TypeDocumentChange:
		s.handleChange(ctx, msg)
	case remote.TypeCursorPosition:
		s.handleCursor(msg)
	case remote.TypeChatMessage:
		s.handleChat(ctx, msg)
	case remote.TypeRequestState:
		if s.current == nil {
			s.replyError(models.ErrNotInRoom, "")
			return
		}
		if _, err := s.current.Resync(s.identity.ParticipantID); err != nil {
			s.replyError(err, "")
		}
	case remote.TypePing:
		if s.current != nil {
			s.current.Touch(s.identity.ParticipantID)
		}
		s.reply(&remote.Message{Type: remote.TypePong})
	case remote.TypeCallSignal:
		s.handleSignal(msg)
	case remote.TypeFileOperation, remote.TypeTerminalInput:
		s.handleForward(msg)
	default:
		s.replyError(fmt.Errorf("unknown message type %q", msg.Type), "")
	}
}

func (s *session) handleJoin(ctx context.Context, msg *remote.Message) {
	if msg.RoomID == "" {
		s.replyError(errors.New("roomId is required"), "")
		return
	}
	if !s.token.CanAccess(msg.RoomID) {
		s.replyError(fmt.Errorf("%w: room %s", models.ErrAccessDenied, msg.RoomID), "")
		return
	}
	if s.current != nil && s.current.ID() != msg.RoomID {
		s.handleLeave()
	}

	r, _, err := s.rooms.Join(ctx, msg.RoomID, msg.DocumentID, s.identity, s)
	if err != nil {
		s.logger.Warn("join failed", "room", msg.RoomID, "error", err)
		s.replyError(err, "")
		return
	}
	s.current = r
}

func (s *session) handleLeave() {
	if s.current == nil {
		s.replyError(models.ErrNotInRoom, "")
		return
	}
	if err := s.current.Leave(s.identity.ParticipantID); err != nil {
		s.logger.Debug("leave failed", "room", s.current.ID(), "error", err)
	}
	s.current = nil
}

func (s *session) handleChange(ctx context.Context, msg *remote.Message) {
	if s.current == nil {
		s.replyError(models.ErrNotInRoom, msg.OperationID)
		return
	}
	if msg.Operation == nil {
		s.replyError(fmt.Errorf("%w: operation is required", models.ErrInvalidOperation), msg.OperationID)
		return
	}

	base := msg.Operation.BaseVersion
	if msg.BaseVersion != nil {
		base = *msg.BaseVersion
	}
	in := msg.Operation
	op, err := models.NewOperation(string(in.Kind), in.Index, in.Text, in.Length, base, s.identity.ParticipantID)
	if err != nil {
		s.replyError(err, msg.OperationID)
		return
	}

	if _, err := s.current.Submit(ctx, s.identity.ParticipantID, msg.OperationID, op); err != nil {
		s.replyError(err, msg.OperationID)
	}
}

func (s *session) handleCursor(msg *remote.Message) {
	if s.current == nil {
		s.replyError(models.ErrNotInRoom, "")
		return
	}
	if msg.Position == nil {
		s.replyError(errors.New("position is required"), "")
		return
	}
	if _, err := s.current.UpdateCursor(s.identity.ParticipantID, *msg.Position, msg.Selection); err != nil {
		s.replyError(err, "")
	}
}

func (s *session) handleChat(ctx context.Context, msg *remote.Message) {
	if s.current == nil {
		s.replyError(models.ErrNotInRoom, "")
		return
	}
	chat, err := s.current.Chat(s.identity.ParticipantID, msg.Text, msg.Kind)
	if err != nil {
		s.replyError(err, "")
		return
	}
	if s.chat != nil {
		if err := s.chat.Append(ctx, chat); err != nil {
			s.logger.Warn("store chat message failed", "room", chat.RoomID, "error", err)
		}
	}
}

func (s *session) handleSignal(msg *remote.Message) {
	if s.current == nil {
		s.replyError(models.ErrNotInRoom, "")
		return
	}
	if msg.TargetParticipantID == "" {
		s.replyError(errors.New("targetParticipantId is required"), "")
		return
	}
	if err := s.current.Signal(s.identity.ParticipantID, msg.TargetParticipantID, msg.Kind, msg.Signal); err != nil {
		s.replyError(err, "")
	}
}

func (s *session) handleForward(msg *remote.Message) {
	if s.current == nil {
		s.replyError(models.ErrNotInRoom, "")
		return
	}
	if len(msg.Payload) == 0 {
		s.replyError(fmt.Errorf("%w: payload is required", models.ErrInvalidOperation), "")
		return
	}
	if err := s.current.Forward(s.identity.ParticipantID, room.EventType(msg.Type), msg.Payload); err != nil {
		s.replyError(err, "")
	}
}

// encodeEvent converts a room event into its wire form.
func encodeEvent(ev *room.Event) *remote.Message {
	ts := ev.Timestamp
	msg := &remote.Message{Type: string(ev.Type), Timestamp: &ts}

	switch ev.Type {
	case room.EventRoomState:
		st := ev.State
		msg.RoomID = st.RoomID
		msg.DocumentID = st.DocumentID
		msg.Participants = st.Participants
		msg.Cursors = st.Cursors
		msg.Document = &remote.DocumentState{Content: st.Document.Content, Version: st.Document.Version}
	case room.EventUserJoined:
		msg.ParticipantID = ev.ParticipantID
		msg.Participant = ev.Participant
	case room.EventUserLeft:
		msg.ParticipantID = ev.ParticipantID
	case room.EventDocumentChange:
		msg.ParticipantID = ev.ParticipantID
		msg.Operation = ev.Operation
		msg.Version = ev.Version
	case room.EventOperationAck:
		msg.OperationID = ev.OperationID
		msg.Operation = ev.Operation
		msg.Version = ev.Version
	case room.EventCursorUpdate:
		msg.ParticipantID = ev.ParticipantID
		msg.Position = &ev.Cursor.Position
		msg.Selection = ev.Cursor.Selection
	case room.EventChatMessage:
		c := ev.Chat
		msg.ID = c.ID
		msg.ParticipantID = c.ParticipantID
		msg.DisplayName = c.DisplayName
		msg.Text = c.Text
		msg.Kind = c.Kind
	case room.EventCallSignal:
		msg.FromParticipantID = ev.Signal.FromParticipantID
		msg.Kind = ev.Signal.Kind
		msg.Signal = ev.Signal.Payload
	case room.EventExternalUpdate:
		msg.RoomID = ev.RoomID
		msg.Payload = ev.Payload
	case room.EventFileOperation, room.EventTerminalInput:
		msg.RoomID = ev.RoomID
		msg.ParticipantID = ev.ParticipantID
		msg.DisplayName = ev.DisplayName
		msg.Payload = ev.Payload
	}
	return msg
}
