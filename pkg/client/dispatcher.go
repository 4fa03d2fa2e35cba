// Package client is the application-side SDK for the chat service. Two
// screen projections, ViewState for the open chat and ConversationList
// for the list screen, are fed by two sources: facts pushed over the
// realtime channel and REST responses. Both sources fold through the
// same reducers, so the projections converge no matter which transport
// delivered first. Outbound actions apply optimistically, go over the
// channel when it is joined and fall back to REST otherwise; an action
// both transports reject stays visible as failed until retried.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
)

// ErrNoOpenConversation is returned by actions that need an open chat
// screen when none is open.
var ErrNoOpenConversation = errors.New("client: no open conversation")

const (
	defaultPageLimit = 50
	refreshTimeout   = 15 * time.Second
)

// Dispatcher owns the reducers and routes every action and fact. All
// reducer access goes through its lock; the reducers themselves stay
// single-threaded.
type Dispatcher struct {
	rest      *REST
	session   *Session
	selfID    string
	logger    *slog.Logger
	pageLimit int

	mu       sync.Mutex
	list     *ConversationList
	view     *ViewState
	onChange func()
}

func NewDispatcher(rest *REST, session *Session, selfID string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		rest:      rest,
		session:   session,
		selfID:    selfID,
		logger:    logger,
		pageLimit: defaultPageLimit,
		list:      NewConversationList(selfID),
	}
	session.OnEnvelope(d.apply)
	session.OnResume(d.resume)
	return d
}

// OnChange registers fn to run whenever a fact or background refresh
// lands in the reducers. UIs hang their re-render on it. fn runs off
// the reducer lock but on the delivering goroutine, so keep it quick.
func (d *Dispatcher) OnChange(fn func()) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

func (d *Dispatcher) notify() {
	d.mu.Lock()
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Start connects the realtime channel and loads the conversation list.
// A channel that will not come up is not fatal: actions fall back to
// REST and the session keeps retrying in the background.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.session.Connect(ctx); err != nil {
		d.logger.Warn("starting without realtime channel", "error", err)
		go d.session.reconnectLoop()
	}
	return d.loadConversations(ctx)
}

func (d *Dispatcher) loadConversations(ctx context.Context) error {
	summaries, err := d.rest.Conversations(ctx, 0, 0)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.list.Replace(summaries)
	d.mu.Unlock()
	return nil
}

// apply folds one fact into both projections, then resolves any
// re-fetches the list asked for.
func (d *Dispatcher) apply(env event.Envelope) {
	d.mu.Lock()
	if d.view != nil {
		d.view.Apply(env)
	}
	d.list.Apply(env)
	if env.Type == event.TypeMessageAck {
		var ack event.MessageAck
		if env.PayloadAs(&ack) == nil {
			d.list.NoteLocalSend(&ack.Message)
		}
	}
	ids := d.list.TakeRefreshRequests()
	d.mu.Unlock()

	if len(ids) > 0 {
		go d.refreshRows(ids)
	}
	d.notify()
}

func (d *Dispatcher) refreshRows(ids []int64) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	for _, id := range ids {
		summary, err := d.rest.Conversation(ctx, id)
		if err != nil {
			d.logger.Warn("refresh conversation", "conversation_id", id, "error", err)
			continue
		}
		d.mu.Lock()
		d.list.Upsert(summary)
		d.mu.Unlock()
		d.notify()
	}
}

// resume runs the one-time refresh after a reconnect: re-page the open
// conversation and resync the list. No actions are replayed; anything
// that landed server-side arrives here by id and deduplicates.
func (d *Dispatcher) resume() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if err := d.loadConversations(ctx); err != nil {
		d.logger.Warn("resync conversation list", "error", err)
	}

	d.mu.Lock()
	view := d.view
	d.mu.Unlock()
	if view == nil {
		d.notify()
		return
	}

	msgs, _, err := d.rest.Messages(ctx, view.ConversationID, 0, d.pageLimit)
	if err != nil {
		d.logger.Warn("resync open conversation", "conversation_id", view.ConversationID, "error", err)
		return
	}
	d.mu.Lock()
	if d.view == view {
		view.MergePage(msgs)
	}
	d.mu.Unlock()
	d.notify()
}

// Open loads the newest history page of a conversation and joins its
// room. Any previously open conversation is left first.
func (d *Dispatcher) Open(ctx context.Context, conversationID int64) error {
	d.mu.Lock()
	prev := d.view
	d.mu.Unlock()
	if prev != nil && prev.ConversationID != conversationID {
		d.CloseConversation()
	}

	msgs, hasMore, err := d.rest.Messages(ctx, conversationID, 0, d.pageLimit)
	if err != nil {
		return err
	}

	d.mu.Lock()
	view := NewViewState(conversationID, d.selfID)
	view.MergePage(msgs)
	view.SetHasMore(hasMore)
	d.view = view
	d.mu.Unlock()

	if err := d.session.Join(conversationID); err != nil {
		d.logger.Warn("join room", "conversation_id", conversationID, "error", err)
	}
	return nil
}

// CloseConversation leaves the room and drops the view. Other sessions
// in the room and the stored history are unaffected.
func (d *Dispatcher) CloseConversation() {
	d.mu.Lock()
	view := d.view
	d.view = nil
	d.mu.Unlock()
	if view == nil {
		return
	}
	if err := d.session.Leave(view.ConversationID); err != nil {
		d.logger.Debug("leave room", "conversation_id", view.ConversationID, "error", err)
	}
}

// LoadOlder fetches the next history page behind the oldest loaded
// message. A cursor the server can no longer resolve comes back as the
// newest page and merges harmlessly.
func (d *Dispatcher) LoadOlder(ctx context.Context) error {
	d.mu.Lock()
	view := d.view
	if view == nil {
		d.mu.Unlock()
		return ErrNoOpenConversation
	}
	before := view.OldestID()
	convID := view.ConversationID
	d.mu.Unlock()

	msgs, hasMore, err := d.rest.Messages(ctx, convID, before, d.pageLimit)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.view == view {
		view.MergePage(msgs)
		view.SetHasMore(hasMore)
	}
	d.mu.Unlock()
	return nil
}

// Send composes a text message optimistically and dispatches it. The
// returned temp id identifies the entry until the ack replaces it.
func (d *Dispatcher) Send(ctx context.Context, content string) (string, error) {
	return d.compose(ctx, model.KindText, content, nil)
}

// SendAttachment sends a message carrying an uploaded attachment
// descriptor. The bytes themselves live with the external storage.
func (d *Dispatcher) SendAttachment(ctx context.Context, kind model.MessageKind, content string, att model.Attachment) (string, error) {
	return d.compose(ctx, kind, content, &att)
}

func (d *Dispatcher) compose(ctx context.Context, kind model.MessageKind, content string, att *model.Attachment) (string, error) {
	d.mu.Lock()
	view := d.view
	if view == nil {
		d.mu.Unlock()
		return "", ErrNoOpenConversation
	}
	tempID := uuid.NewString()
	view.Compose(tempID, kind, content, att)
	d.mu.Unlock()

	cmd := event.SendMessage{ClientTempID: tempID, Kind: kind, Content: content, Attachment: att}
	return tempID, d.dispatchSend(ctx, view, cmd)
}

// Retry re-dispatches a failed optimistic entry under its original temp
// id.
func (d *Dispatcher) Retry(ctx context.Context, tempID string) error {
	d.mu.Lock()
	view := d.view
	if view == nil {
		d.mu.Unlock()
		return ErrNoOpenConversation
	}
	p, ok := view.PendingByID(tempID)
	if !ok {
		d.mu.Unlock()
		return errors.New("client: nothing pending under this id")
	}
	view.ClearFailed(tempID)
	d.mu.Unlock()

	cmd := event.SendMessage{ClientTempID: p.ClientTempID, Kind: p.Kind, Content: p.Content, Attachment: p.Attachment}
	return d.dispatchSend(ctx, view, cmd)
}

// dispatchSend tries the channel, then REST. Only when both fail is the
// entry parked as failed; a channel ack arrives later as a fact while a
// REST ack is folded in here.
func (d *Dispatcher) dispatchSend(ctx context.Context, view *ViewState, cmd event.SendMessage) error {
	if d.session.State() == StateJoined {
		env := event.New(event.TypeSendMessage, nil, d.selfID, cmd)
		env.ConversationID = view.ConversationID
		err := d.session.Send(env)
		if err == nil {
			return nil
		}
		d.logger.Debug("channel send failed, falling back", "error", err)
	}

	ack, err := d.rest.Send(ctx, view.ConversationID, cmd)
	if err != nil {
		d.mu.Lock()
		if d.view == view {
			view.MarkFailed(cmd.ClientTempID)
		}
		d.mu.Unlock()
		return err
	}

	env := event.New(event.TypeMessageAck, nil, d.selfID, *ack)
	env.ConversationID = ack.Message.ConversationID
	d.apply(env)
	return nil
}

// Edit rewrites one of the local user's messages.
func (d *Dispatcher) Edit(ctx context.Context, messageID int64, content string) error {
	d.mu.Lock()
	view := d.view
	if view == nil {
		d.mu.Unlock()
		return ErrNoOpenConversation
	}
	convID := view.ConversationID
	view.OptimisticEdit(messageID, content)
	d.mu.Unlock()

	if d.session.State() == StateJoined {
		env := event.New(event.TypeEditMessage, nil, d.selfID, event.EditMessage{MessageID: messageID, Content: content})
		env.ConversationID = convID
		if err := d.session.Send(env); err == nil {
			return nil
		}
	}

	edited, err := d.rest.Edit(ctx, messageID, content)
	if err != nil {
		return err
	}
	env := event.New(event.TypeMessageEdited, nil, d.selfID, *edited)
	env.ConversationID = edited.Message.ConversationID
	d.apply(env)
	return nil
}

// Delete tombstones one of the local user's messages. The optimistic
// tombstone matches the shape the store settles on, so nothing needs
// folding back on success.
func (d *Dispatcher) Delete(ctx context.Context, messageID int64) error {
	d.mu.Lock()
	view := d.view
	if view == nil {
		d.mu.Unlock()
		return ErrNoOpenConversation
	}
	convID := view.ConversationID
	view.OptimisticDelete(messageID)
	d.mu.Unlock()

	if d.session.State() == StateJoined {
		env := event.New(event.TypeDeleteMessage, nil, d.selfID, event.DeleteMessage{MessageID: messageID})
		env.ConversationID = convID
		if err := d.session.Send(env); err == nil {
			return nil
		}
	}
	return d.rest.Delete(ctx, messageID)
}

// MarkRead advances the local user's read marker through whichever
// transport is up. The badge and receipts apply optimistically; the
// server clamps the marker forward only, so a stale call is harmless.
func (d *Dispatcher) MarkRead(ctx context.Context, upToMessageID int64) error {
	d.mu.Lock()
	view := d.view
	if view == nil {
		d.mu.Unlock()
		return ErrNoOpenConversation
	}
	convID := view.ConversationID
	d.mu.Unlock()

	marker := model.ReadMarker{
		ConversationID: convID,
		ParticipantID:  d.selfID,
		LastReadID:     upToMessageID,
		ReadAt:         time.Now(),
	}
	env := event.New(event.TypeMessagesRead, nil, d.selfID, event.MessagesRead{Marker: marker})
	env.ConversationID = convID
	d.apply(env)

	if d.session.State() == StateJoined {
		cmd := event.New(event.TypeMarkRead, nil, d.selfID, event.MarkRead{UpToMessageID: upToMessageID})
		cmd.ConversationID = convID
		if err := d.session.Send(cmd); err == nil {
			return nil
		}
	}

	read, err := d.rest.MarkRead(ctx, convID, upToMessageID)
	if err != nil {
		return err
	}
	env = event.New(event.TypeMessagesRead, nil, d.selfID, *read)
	env.ConversationID = read.Marker.ConversationID
	d.apply(env)
	return nil
}

// SetTyping signals typing over the channel only. Typing is best
// effort: when the channel is down the signal is simply dropped, and
// the receiving side times stale signals out anyway.
func (d *Dispatcher) SetTyping(isTyping bool) {
	d.mu.Lock()
	view := d.view
	d.mu.Unlock()
	if view == nil || d.session.State() != StateJoined {
		return
	}
	t := event.TypeStopTyping
	if isTyping {
		t = event.TypeStartTyping
	}
	env := event.Envelope{Type: t, ConversationID: view.ConversationID}
	if err := d.session.Send(env); err != nil {
		d.logger.Debug("typing signal dropped", "error", err)
	}
}

// Close ends the realtime session for good.
func (d *Dispatcher) Close() error { return d.session.Close() }

// SessionState reports the realtime channel state.
func (d *Dispatcher) SessionState() State { return d.session.State() }

// OpenConversationID returns the conversation the view is on, if any.
func (d *Dispatcher) OpenConversationID() (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.view == nil {
		return 0, false
	}
	return d.view.ConversationID, true
}

// Messages snapshots the open conversation's confirmed buffer.
func (d *Dispatcher) Messages() []*model.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.view == nil {
		return nil
	}
	return d.view.Messages()
}

// Pending snapshots the open conversation's optimistic entries.
func (d *Dispatcher) Pending() []PendingMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.view == nil {
		return nil
	}
	return d.view.Pending()
}

// TypingParticipants lists who is typing in the open conversation.
func (d *Dispatcher) TypingParticipants() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.view == nil {
		return nil
	}
	return d.view.TypingParticipants()
}

// HasMore reports whether older history remains beyond what is loaded.
func (d *Dispatcher) HasMore() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view != nil && d.view.HasMore()
}

// Conversations snapshots the list screen's rows.
func (d *Dispatcher) Conversations() []*model.ConversationSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.list.Rows()
}

// TotalUnread sums the list's unread badges.
func (d *Dispatcher) TotalUnread() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.list.TotalUnread()
}
