// Package rooms fans facts out to connected websocket sessions. Each
// conversation is a room; a session joins the rooms of the screens it
// has open. The hub owns every membership map from a single goroutine,
// so routing needs no locks.
package rooms

import (
	"context"
	"log/slog"

	"github.com/kaamlink/chat-service/pkg/chat"
	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
	"github.com/kaamlink/chat-service/pkg/presence"
	"github.com/kaamlink/chat-service/pkg/telemetry"
)

// Commands is the slice of the chat service sessions invoke. The hub
// holds an interface so tests can script outcomes.
type Commands interface {
	Send(ctx context.Context, actorID string, conversationID int64, in chat.SendInput) (*model.Message, error)
	Edit(ctx context.Context, actorID string, messageID int64, content, originSession string) (*model.Message, error)
	Delete(ctx context.Context, actorID string, messageID int64, originSession string) error
	MarkRead(ctx context.Context, actorID string, conversationID, uptoID int64, originSession string) (model.ReadMarker, error)
	SetTyping(ctx context.Context, actorID string, conversationID int64, isTyping bool) error
	IsParticipant(ctx context.Context, actorID string, conversationID int64) error
}

type membership struct {
	session        *Session
	conversationID int64
}

type Hub struct {
	commands Commands
	online   presence.Tracker
	logger   *slog.Logger

	// All three maps are owned by Run's goroutine.
	rooms        map[int64]map[*Session]bool
	userSessions map[string]map[*Session]bool
	sessionsByID map[string]*Session

	register   chan *Session
	unregister chan *Session
	join       chan membership
	leave      chan membership
	deliver    chan event.Envelope
}

func NewHub(commands Commands, online presence.Tracker, logger *slog.Logger) *Hub {
	return &Hub{
		commands:     commands,
		online:       online,
		logger:       logger,
		rooms:        make(map[int64]map[*Session]bool),
		userSessions: make(map[string]map[*Session]bool),
		sessionsByID: make(map[string]*Session),
		register:     make(chan *Session),
		unregister:   make(chan *Session),
		join:         make(chan membership),
		leave:        make(chan membership),
		deliver:      make(chan event.Envelope, 64),
	}
}

// Deliver hands a bus envelope to the hub. Wire it as the bus
// subscriber's handler.
func (h *Hub) Deliver(env event.Envelope) {
	h.deliver <- env
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, s := range h.sessionsByID {
				h.drop(s)
			}
			return

		case s := <-h.register:
			h.sessionsByID[s.ID] = s
			if h.userSessions[s.UserID] == nil {
				h.userSessions[s.UserID] = make(map[*Session]bool)
			}
			h.userSessions[s.UserID][s] = true
			telemetry.ActiveSessions.Inc()
			h.logger.Info("session connected", "session", s.ID, "user", s.UserID)

		case s := <-h.unregister:
			if _, ok := h.sessionsByID[s.ID]; ok {
				h.clearTyping(s)
				h.drop(s)
				h.logger.Info("session disconnected", "session", s.ID, "user", s.UserID)
			}

		case m := <-h.join:
			if _, ok := h.sessionsByID[m.session.ID]; !ok {
				continue
			}
			if h.rooms[m.conversationID] == nil {
				h.rooms[m.conversationID] = make(map[*Session]bool)
			}
			h.rooms[m.conversationID][m.session] = true
			m.session.rooms[m.conversationID] = true
			h.markOnline(m.session.UserID, m.conversationID)
			h.logger.Debug("session joined room", "session", m.session.ID, "conversation_id", m.conversationID)

		case m := <-h.leave:
			h.removeFromRoom(m.session, m.conversationID)

		case env := <-h.deliver:
			h.route(env)
		}
	}
}

// route applies the fan-out rules. Acks go to the origin session alone;
// typing skips the typer's own sessions; message facts go to the room
// minus the origin; read and list facts go to every session of both
// participants minus the origin.
func (h *Hub) route(env event.Envelope) {
	data, err := env.Encode()
	if err != nil {
		h.logger.Error("encode envelope", "type", env.Type, "error", err)
		return
	}

	switch env.Type {
	case event.TypeMessageAck:
		if env.OriginSession == "" {
			return
		}
		if s, ok := h.sessionsByID[env.OriginSession]; ok {
			h.push(s, data)
		}

	case event.TypeTypingChanged:
		for s := range h.rooms[env.ConversationID] {
			if s.UserID != env.ActorID {
				h.push(s, data)
			}
		}

	case event.TypeNewMessage, event.TypeMessageEdited, event.TypeMessageDeleted:
		for s := range h.rooms[env.ConversationID] {
			if s.ID != env.OriginSession {
				h.push(s, data)
			}
		}

	case event.TypeMessagesRead, event.TypeConversationUpdated:
		pushed := make(map[*Session]bool, 4)
		for _, userID := range env.Participants {
			for s := range h.userSessions[userID] {
				if s.ID != env.OriginSession && !pushed[s] {
					pushed[s] = true
					h.push(s, data)
				}
			}
		}
	}
}

// push is a non-blocking send. A session whose buffer is full is not
// worth waiting for: it gets dropped and will reconnect and reconcile.
func (h *Hub) push(s *Session, data []byte) {
	select {
	case s.send <- data:
	default:
		h.logger.Warn("dropping slow session", "session", s.ID, "user", s.UserID)
		h.drop(s)
	}
}

// drop removes the session from every map and closes its send channel,
// which terminates its write pump. Loop-goroutine only.
func (h *Hub) drop(s *Session) {
	if _, ok := h.sessionsByID[s.ID]; !ok {
		return
	}
	delete(h.sessionsByID, s.ID)

	if sessions, ok := h.userSessions[s.UserID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.userSessions, s.UserID)
		}
	}
	for conversationID := range s.rooms {
		h.removeFromRoom(s, conversationID)
	}
	close(s.send)
	telemetry.ActiveSessions.Dec()
}

func (h *Hub) removeFromRoom(s *Session, conversationID int64) {
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	delete(s.rooms, conversationID)
	// The participant stays online while any of their other sessions
	// remains in the room.
	for member := range h.rooms[conversationID] {
		if member.UserID == s.UserID {
			return
		}
	}
	h.markOffline(s.UserID, conversationID)
}

// markOnline and markOffline run on the loop goroutine; the redis client
// carries its own dial and read timeouts, so a sick backend degrades to a
// logged error instead of wedging routing.

func (h *Hub) markOnline(userID string, conversationID int64) {
	if err := h.online.Join(context.Background(), conversationID, userID); err != nil {
		h.logger.Debug("presence join", "conversation_id", conversationID, "error", err)
	}
}

func (h *Hub) markOffline(userID string, conversationID int64) {
	if err := h.online.Leave(context.Background(), conversationID, userID); err != nil {
		h.logger.Debug("presence leave", "conversation_id", conversationID, "error", err)
	}
}

// clearTyping makes sure a vanishing session does not leave a pinned
// typing indicator. The service only broadcasts if a signal was live.
func (h *Hub) clearTyping(s *Session) {
	for conversationID := range s.rooms {
		go func(id int64) {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			if err := h.commands.SetTyping(ctx, s.UserID, id, false); err != nil {
				h.logger.Debug("clear typing", "conversation_id", id, "error", err)
			}
		}(conversationID)
	}
}
