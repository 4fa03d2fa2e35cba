package rooms

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kaamlink/chat-service/pkg/apperr"
	"github.com/kaamlink/chat-service/pkg/chat"
	"github.com/kaamlink/chat-service/pkg/event"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Must comfortably exceed the
	// largest permitted message content plus envelope framing.
	maxMessageSize = 8192

	commandTimeout = 10 * time.Second

	// Inbound command budget per session. The burst covers the batch of
	// room joins a reconnecting client fires at once.
	commandRate  = 10
	commandBurst = 30
)

// Session is one websocket connection of one authenticated participant.
// A participant may hold several sessions (phone plus laptop); each joins
// rooms independently.
type Session struct {
	hub     *Hub
	conn    Conn
	send    chan []byte
	limiter *rate.Limiter

	// ID identifies this connection for ack routing and echo suppression.
	ID     string
	UserID string

	// rooms is owned by the hub loop; the pumps never touch it.
	rooms map[int64]bool
}

func NewSession(hub *Hub, conn Conn, userID string) *Session {
	return &Session{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		limiter: rate.NewLimiter(rate.Limit(commandRate), commandBurst),
		ID:      uuid.NewString(),
		UserID:  userID,
		rooms:   make(map[int64]bool),
	}
}

// Start registers the session and runs both pumps. It returns
// immediately; the pumps own the connection from here.
func (s *Session) Start() {
	s.hub.register <- s
	go s.writePump()
	go s.readPump()
}

// readPump pumps commands from the websocket into the chat service. It
// runs commands serially, so one session's actions apply in the order it
// issued them.
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.Debug("session read error", "session", s.ID, "error", err)
			}
			return
		}

		env, err := event.Decode(data)
		if err != nil {
			s.sendError(apperr.ErrInvalid.Wrap(err), "")
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env event.Envelope) {
	if !s.limiter.Allow() {
		var tempID string
		if env.Type == event.TypeSendMessage {
			var cmd event.SendMessage
			if env.PayloadAs(&cmd) == nil {
				tempID = cmd.ClientTempID
			}
		}
		s.sendError(apperr.ErrRateLimited, tempID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch env.Type {
	case event.TypeJoin:
		if err := s.hub.commands.IsParticipant(ctx, s.UserID, env.ConversationID); err != nil {
			s.sendError(err, "")
			return
		}
		s.hub.join <- membership{session: s, conversationID: env.ConversationID}

	case event.TypeLeave:
		s.hub.leave <- membership{session: s, conversationID: env.ConversationID}

	case event.TypeSendMessage:
		var cmd event.SendMessage
		if err := env.PayloadAs(&cmd); err != nil {
			s.sendError(apperr.ErrInvalid.Wrap(err), "")
			return
		}
		_, err := s.hub.commands.Send(ctx, s.UserID, env.ConversationID, chat.SendInput{
			ClientTempID:  cmd.ClientTempID,
			Kind:          cmd.Kind,
			Content:       cmd.Content,
			Attachment:    cmd.Attachment,
			OriginSession: s.ID,
		})
		if err != nil {
			s.sendError(err, cmd.ClientTempID)
		}

	case event.TypeEditMessage:
		var cmd event.EditMessage
		if err := env.PayloadAs(&cmd); err != nil {
			s.sendError(apperr.ErrInvalid.Wrap(err), "")
			return
		}
		if _, err := s.hub.commands.Edit(ctx, s.UserID, cmd.MessageID, cmd.Content, s.ID); err != nil {
			s.sendError(err, "")
		}

	case event.TypeDeleteMessage:
		var cmd event.DeleteMessage
		if err := env.PayloadAs(&cmd); err != nil {
			s.sendError(apperr.ErrInvalid.Wrap(err), "")
			return
		}
		if err := s.hub.commands.Delete(ctx, s.UserID, cmd.MessageID, s.ID); err != nil {
			s.sendError(err, "")
		}

	case event.TypeMarkRead:
		var cmd event.MarkRead
		if err := env.PayloadAs(&cmd); err != nil {
			s.sendError(apperr.ErrInvalid.Wrap(err), "")
			return
		}
		if _, err := s.hub.commands.MarkRead(ctx, s.UserID, env.ConversationID, cmd.UpToMessageID, s.ID); err != nil {
			s.sendError(err, "")
		}

	case event.TypeStartTyping, event.TypeStopTyping:
		// Best-effort: a failed typing signal is dropped, not reported.
		_ = s.hub.commands.SetTyping(ctx, s.UserID, env.ConversationID, env.Type == event.TypeStartTyping)

	default:
		s.sendError(apperr.ErrInvalid, "")
	}
}

// sendError pushes an error envelope to this session only. Errors never
// travel the bus.
func (s *Session) sendError(err error, clientTempID string) {
	env := event.New(event.TypeError, nil, "", event.Error{
		Code:         apperr.CodeOf(err),
		Message:      apperr.MessageOf(err),
		ClientTempID: clientTempID,
	})
	data, encErr := env.Encode()
	if encErr != nil {
		return
	}
	select {
	case s.send <- data:
	default:
	}
}

// writePump pumps envelopes from the hub to the websocket connection and
// keeps the connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the session.
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
