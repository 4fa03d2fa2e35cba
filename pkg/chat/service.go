// Package chat implements the conversation engine. Every mutation, no
// matter which transport carried it, funnels through Service: the store
// write happens synchronously under a per-conversation lock and is
// acknowledged to the caller before the resulting facts are handed to
// the bus, so a slow consumer can never stall a send.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kaamlink/chat-service/pkg/apperr"
	"github.com/kaamlink/chat-service/pkg/bus"
	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
	"github.com/kaamlink/chat-service/pkg/readstate"
	"github.com/kaamlink/chat-service/pkg/snowflake"
	"github.com/kaamlink/chat-service/pkg/store"
	"github.com/kaamlink/chat-service/pkg/telemetry"
	"github.com/kaamlink/chat-service/pkg/typing"
)

const maxContentLen = 4000

// Config tunes paging. Zero values fall back to the defaults used by the
// REST and websocket surfaces.
type Config struct {
	PageSize    int
	MaxPageSize int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = 200
	}
	return c
}

type Service struct {
	store  store.Store
	reads  readstate.Tracker
	typing typing.Tracker
	bus    bus.Publisher
	ids    *snowflake.Node
	logger *slog.Logger
	cfg    Config

	// One lock per conversation serializes appends and id assignment, so
	// two concurrent sends to the same conversation can never interleave
	// ambiguously. Cross-conversation traffic shares nothing.
	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func New(st store.Store, reads readstate.Tracker, typ typing.Tracker, pub bus.Publisher, ids *snowflake.Node, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		store:  st,
		reads:  reads,
		typing: typ,
		bus:    pub,
		ids:    ids,
		logger: logger,
		cfg:    cfg.withDefaults(),
		locks:  make(map[int64]*sync.Mutex),
	}
}

func (s *Service) lockConversation(id int64) *sync.Mutex {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.locksMu.Unlock()

	l.Lock()
	return l
}

// publish hands facts to the bus off the request path. Failures are
// counted and logged but never surfaced: the store write already
// happened and the caller has its acknowledgment.
func (s *Service) publish(envs ...event.Envelope) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, env := range envs {
			if err := s.bus.Publish(ctx, env); err != nil {
				telemetry.BusPublishFailures.Inc()
				s.logger.Error("publish fact", "type", env.Type, "conversation_id", env.ConversationID, "error", err)
			}
		}
	}()
}

// authConversation loads the conversation and checks the actor is one of
// its two participants.
func (s *Service) authConversation(ctx context.Context, actorID string, conversationID int64) (*model.Conversation, error) {
	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(actorID) {
		return nil, apperr.ErrParticipantNotAuthorized
	}
	return conv, nil
}

// SendInput is a message as composed by a client. OriginSession lets the
// gateway suppress the echo back to the sending socket, which receives a
// message_ack instead.
type SendInput struct {
	ClientTempID  string
	Kind          model.MessageKind
	Content       string
	Attachment    *model.Attachment
	OriginSession string
}

func (in *SendInput) validate() error {
	if in.Kind == "" {
		in.Kind = model.KindText
	}
	switch in.Kind {
	case model.KindText, model.KindImage, model.KindFile:
	default:
		return apperr.ErrInvalid.Wrap(errors.New("unknown message kind"))
	}

	in.Content = strings.TrimSpace(in.Content)
	if len(in.Content) > maxContentLen {
		return apperr.ErrInvalid.Wrap(errors.New("content too long"))
	}
	if in.Kind == model.KindText && in.Content == "" {
		return apperr.ErrInvalid.Wrap(errors.New("empty message"))
	}
	if in.Kind != model.KindText && (in.Attachment == nil || in.Attachment.URL == "") {
		return apperr.ErrInvalid.Wrap(errors.New("attachment required"))
	}
	return nil
}

// Send appends a message. The append, the recipient's unread bump and
// the conversation touch happen before Send returns; fan-out does not.
func (s *Service) Send(ctx context.Context, actorID string, conversationID int64, in SendInput) (*model.Message, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	conv, err := s.authConversation(ctx, actorID, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsActive {
		return nil, apperr.ErrConversationClosed
	}

	l := s.lockConversation(conv.ID)
	defer l.Unlock()

	msg := &model.Message{
		ID:             s.ids.Generate(),
		ConversationID: conv.ID,
		SenderID:       actorID,
		Kind:           in.Kind,
		Attachment:     in.Attachment,
		CreatedAt:      time.Now().UTC(),
	}
	if in.Content != "" {
		msg.Content = model.Text(in.Content)
	}

	if err := s.store.Append(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.reads.IncrementUnread(ctx, conv.ID, conv.Other(actorID)); err != nil {
		s.logger.Error("bump unread", "conversation_id", conv.ID, "error", err)
	}
	if err := s.store.TouchConversation(ctx, conv.ID, msg.CreatedAt); err != nil {
		s.logger.Error("touch conversation", "conversation_id", conv.ID, "error", err)
	}
	conv.LastMessageAt = msg.CreatedAt
	telemetry.MessagesStored.WithLabelValues(string(msg.Kind)).Inc()

	ack := event.New(event.TypeMessageAck, conv, actorID, event.MessageAck{
		ClientTempID: in.ClientTempID,
		Message:      *msg,
	})
	ack.OriginSession = in.OriginSession

	fact := event.New(event.TypeNewMessage, conv, actorID, event.NewMessage{Message: *msg})
	fact.OriginSession = in.OriginSession

	updated := event.New(event.TypeConversationUpdated, conv, actorID, event.ConversationUpdated{
		Conversation: *conv,
		LastMessage:  msg,
		SenderID:     actorID,
		Reason:       event.ReasonNewMessage,
	})
	updated.OriginSession = in.OriginSession

	s.publish(ack, fact, updated)
	return msg, nil
}

// Edit replaces a message's content. Only the sender may edit, and a
// tombstone is never resurrected: a delete that landed first wins even
// if this edit was composed earlier.
func (s *Service) Edit(ctx context.Context, actorID string, messageID int64, content, originSession string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" || len(content) > maxContentLen {
		return nil, apperr.ErrInvalid.Wrap(errors.New("invalid edit content"))
	}

	peek, err := s.store.Message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := s.authConversation(ctx, actorID, peek.ConversationID)
	if err != nil {
		return nil, err
	}

	l := s.lockConversation(conv.ID)
	defer l.Unlock()

	// Re-read under the lock: a concurrent delete may have landed since
	// the peek.
	msg, err := s.store.Message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != actorID {
		return nil, apperr.ErrNotSender
	}
	if msg.IsDeleted {
		return nil, apperr.ErrAlreadyDeleted
	}

	now := time.Now().UTC()
	msg.Content = model.Text(content)
	msg.IsEdited = true
	msg.EditedAt = &now
	if err := s.store.Update(ctx, msg); err != nil {
		return nil, err
	}
	telemetry.MessagesEdited.Inc()

	fact := event.New(event.TypeMessageEdited, conv, actorID, event.MessageEdited{Message: *msg})
	fact.OriginSession = originSession
	envs := []event.Envelope{fact}

	if env, changed := s.previewChanged(ctx, conv, msg, actorID, event.ReasonMessageEdited, originSession); changed {
		envs = append(envs, env)
	}
	s.publish(envs...)
	return msg, nil
}

// Delete tombstones a message: content is cleared, the flag set, and the
// row kept so pagination cursors stay stable. Deleting an already
// deleted message succeeds without emitting anything, so a retried
// delete whose first acknowledgment was lost stays silent.
func (s *Service) Delete(ctx context.Context, actorID string, messageID int64, originSession string) error {
	peek, err := s.store.Message(ctx, messageID)
	if err != nil {
		return err
	}
	conv, err := s.authConversation(ctx, actorID, peek.ConversationID)
	if err != nil {
		return err
	}

	l := s.lockConversation(conv.ID)
	defer l.Unlock()

	msg, err := s.store.Message(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != actorID {
		return apperr.ErrNotSender
	}
	if msg.IsDeleted {
		return nil
	}

	msg.Content = nil
	msg.IsDeleted = true
	if err := s.store.Update(ctx, msg); err != nil {
		return err
	}
	telemetry.MessagesDeleted.Inc()

	// The recipient's unread counter must not keep counting a message
	// that no longer renders. Recount from their marker.
	other := conv.Other(actorID)
	s.resyncUnread(ctx, conv.ID, other)

	fact := event.New(event.TypeMessageDeleted, conv, actorID, event.MessageDeleted{Message: *msg})
	fact.OriginSession = originSession
	envs := []event.Envelope{fact}

	if env, changed := s.previewChanged(ctx, conv, msg, actorID, event.ReasonMessageDeleted, originSession); changed {
		envs = append(envs, env)
	}
	s.publish(envs...)
	return nil
}

// previewChanged emits a conversation_updated when the affected message
// is the conversation's newest, since only then does the list preview
// row change.
func (s *Service) previewChanged(ctx context.Context, conv *model.Conversation, msg *model.Message, actorID, reason, originSession string) (event.Envelope, bool) {
	last, err := s.store.LastMessage(ctx, conv.ID)
	if err != nil || last == nil || last.ID != msg.ID {
		return event.Envelope{}, false
	}
	env := event.New(event.TypeConversationUpdated, conv, actorID, event.ConversationUpdated{
		Conversation: *conv,
		LastMessage:  msg,
		SenderID:     actorID,
		Reason:       reason,
	})
	env.OriginSession = originSession
	return env, true
}

// MarkRead advances the actor's read marker to max(current, uptoID) and
// emits messages_read only when the marker actually moved. The marker is
// clamped to the newest message so a garbage cursor cannot run ahead of
// history.
func (s *Service) MarkRead(ctx context.Context, actorID string, conversationID, uptoID int64, originSession string) (model.ReadMarker, error) {
	conv, err := s.authConversation(ctx, actorID, conversationID)
	if err != nil {
		return model.ReadMarker{}, err
	}

	l := s.lockConversation(conv.ID)
	defer l.Unlock()

	last, err := s.store.LastMessage(ctx, conv.ID)
	if err != nil {
		return model.ReadMarker{}, err
	}
	if last == nil {
		return s.reads.Marker(ctx, conv.ID, actorID)
	}
	if uptoID > last.ID {
		uptoID = last.ID
	}

	marker, advanced, err := s.reads.MarkRead(ctx, conv.ID, actorID, uptoID)
	if err != nil {
		return model.ReadMarker{}, err
	}
	if !advanced {
		return marker, nil
	}

	s.resyncUnread(ctx, conv.ID, actorID)
	telemetry.ReadMarks.Inc()

	fact := event.New(event.TypeMessagesRead, conv, actorID, event.MessagesRead{Marker: marker})
	fact.OriginSession = originSession
	s.publish(fact)
	return marker, nil
}

// resyncUnread replaces the maintained counter with a recount bounded by
// the participant's marker.
func (s *Service) resyncUnread(ctx context.Context, conversationID int64, participantID string) {
	marker, err := s.reads.Marker(ctx, conversationID, participantID)
	if err != nil {
		s.logger.Error("read marker", "conversation_id", conversationID, "error", err)
		return
	}
	n, err := s.store.CountFromOtherAfter(ctx, conversationID, participantID, marker.LastReadID)
	if err != nil {
		s.logger.Error("recount unread", "conversation_id", conversationID, "error", err)
		return
	}
	if err := s.reads.SetUnread(ctx, conversationID, participantID, n); err != nil {
		s.logger.Error("set unread", "conversation_id", conversationID, "error", err)
	}
}

// SetTyping records the signal and broadcasts only state flips, so a
// client refreshing its indicator every couple of seconds does not spam
// the room.
func (s *Service) SetTyping(ctx context.Context, actorID string, conversationID int64, isTyping bool) error {
	conv, err := s.authConversation(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if isTyping && !conv.IsActive {
		return apperr.ErrConversationClosed
	}

	changed, err := s.typing.SetTyping(ctx, conv.ID, actorID, isTyping)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	fact := event.New(event.TypeTypingChanged, conv, actorID, event.TypingChanged{
		Signal: model.TypingSignal{
			ConversationID: conv.ID,
			ParticipantID:  actorID,
			IsTyping:       isTyping,
		},
	})
	s.publish(fact)
	return nil
}

// StartConversation opens (or returns) the conversation between an
// employer and a seeker about one job. The actor must be one of the two.
func (s *Service) StartConversation(ctx context.Context, actorID, employerID, seekerID, jobID string) (*model.ConversationSummary, error) {
	if employerID == "" || seekerID == "" || employerID == seekerID {
		return nil, apperr.ErrInvalid.Wrap(errors.New("conversation needs two distinct participants"))
	}
	if actorID != employerID && actorID != seekerID {
		return nil, apperr.ErrParticipantNotAuthorized
	}

	conv, err := s.store.EnsureConversation(ctx, employerID, seekerID, jobID)
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, conv, actorID)
}

// Page returns one history page decorated with read receipts. A cursor
// that points below the oldest retained message self-heals to the newest
// page instead of erroring.
func (s *Service) Page(ctx context.Context, actorID string, conversationID, beforeID int64, limit int) ([]*model.Message, bool, error) {
	conv, err := s.authConversation(ctx, actorID, conversationID)
	if err != nil {
		return nil, false, err
	}

	if limit <= 0 {
		limit = s.cfg.PageSize
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}

	msgs, hasMore, err := s.store.Page(ctx, conv.ID, beforeID, limit)
	if err != nil {
		return nil, false, err
	}

	if len(msgs) == 0 && !hasMore && beforeID > 0 {
		last, err := s.store.LastMessage(ctx, conv.ID)
		if err != nil {
			return nil, false, err
		}
		if last != nil {
			s.logger.Debug("page cursor does not resolve, reloading newest",
				"code", apperr.ErrStaleCursor.Code, "conversation_id", conv.ID, "before_id", beforeID)
			msgs, hasMore, err = s.store.Page(ctx, conv.ID, 0, limit)
			if err != nil {
				return nil, false, err
			}
		}
	}

	if err := s.decorateRead(ctx, conv, msgs); err != nil {
		return nil, false, err
	}
	return msgs, hasMore, nil
}

// decorateRead stamps IsRead/ReadAt from the recipient's marker. Read
// state is not stored per row; deriving it here keeps markRead O(1).
func (s *Service) decorateRead(ctx context.Context, conv *model.Conversation, msgs []*model.Message) error {
	markers := make(map[string]model.ReadMarker, 2)
	for _, participant := range []string{conv.EmployerID, conv.SeekerID} {
		m, err := s.reads.Marker(ctx, conv.ID, participant)
		if err != nil {
			return err
		}
		markers[participant] = m
	}

	for _, msg := range msgs {
		reader := markers[conv.Other(msg.SenderID)]
		if reader.LastReadID >= msg.ID {
			msg.IsRead = true
			at := reader.ReadAt
			msg.ReadAt = &at
		}
	}
	return nil
}

// Conversations returns the actor's conversation list, newest activity
// first, with preview and unread count per row.
func (s *Service) Conversations(ctx context.Context, actorID string, page, limit int) ([]*model.ConversationSummary, error) {
	if limit <= 0 {
		limit = s.cfg.PageSize
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	if page < 0 {
		page = 0
	}

	convs, err := s.store.ConversationsFor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})

	start := page * limit
	if start >= len(convs) {
		return []*model.ConversationSummary{}, nil
	}
	end := start + limit
	if end > len(convs) {
		end = len(convs)
	}

	out := make([]*model.ConversationSummary, 0, end-start)
	for _, conv := range convs[start:end] {
		summary, err := s.summarize(ctx, conv, actorID)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

// Summary returns one conversation with preview and unread count.
func (s *Service) Summary(ctx context.Context, actorID string, conversationID int64) (*model.ConversationSummary, error) {
	conv, err := s.authConversation(ctx, actorID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, conv, actorID)
}

func (s *Service) summarize(ctx context.Context, conv *model.Conversation, actorID string) (*model.ConversationSummary, error) {
	last, err := s.store.LastMessage(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if last != nil {
		if err := s.decorateRead(ctx, conv, []*model.Message{last}); err != nil {
			return nil, err
		}
	}
	unread, err := s.reads.UnreadCount(ctx, conv.ID, actorID)
	if err != nil {
		return nil, err
	}
	return &model.ConversationSummary{
		Conversation: *conv,
		LastMessage:  last,
		UnreadCount:  unread,
	}, nil
}

// Deactivate closes the conversation to new messages; history stays
// readable and the row is never removed. The platform calls this when
// the job posting behind the conversation closes. A later explicit
// StartConversation by a participant reopens it.
func (s *Service) Deactivate(ctx context.Context, conversationID int64) error {
	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsActive {
		return nil
	}
	if err := s.store.SetActive(ctx, conv.ID, false); err != nil {
		return err
	}

	// Nobody is composing into a closed conversation.
	for _, participant := range []string{conv.EmployerID, conv.SeekerID} {
		if _, err := s.typing.SetTyping(ctx, conv.ID, participant, false); err != nil {
			s.logger.Error("clear typing", "conversation_id", conv.ID, "error", err)
		}
	}
	return nil
}

// IsParticipant reports whether the actor may join the conversation's
// room. Used by the gateway on join_conversation.
func (s *Service) IsParticipant(ctx context.Context, actorID string, conversationID int64) error {
	_, err := s.authConversation(ctx, actorID, conversationID)
	return err
}
