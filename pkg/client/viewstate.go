package client

import (
	"sort"
	"time"

	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
	"github.com/kaamlink/chat-service/pkg/typing"
)

// reconcileWindow bounds the composed-at/created-at gap for matching an
// optimistic entry against a bounced authoritative message when the
// temp id cannot be correlated.
const reconcileWindow = 30 * time.Second

// PendingMessage is a locally-composed message rendered before the
// server has confirmed it. Failed entries stay parked until an explicit
// retry so the user sees what did not go through.
type PendingMessage struct {
	ClientTempID string
	SenderID     string
	Kind         model.MessageKind
	Content      string
	Attachment   *model.Attachment
	ComposedAt   time.Time
	Failed       bool
}

// ViewState is the open chat screen's projection of one conversation.
// Facts from the realtime channel and REST responses funnel through
// Apply; both transports converge on the same buffer because every
// mutation is keyed by message id. ViewState is not goroutine-safe; the
// Dispatcher serializes access.
type ViewState struct {
	ConversationID int64

	selfID  string
	now     func() time.Time
	byID    map[int64]*model.Message
	order   []*model.Message
	pending []*PendingMessage
	typing  map[string]time.Time
	hasMore bool
}

func NewViewState(conversationID int64, selfID string) *ViewState {
	return &ViewState{
		ConversationID: conversationID,
		selfID:         selfID,
		now:            time.Now,
		byID:           make(map[int64]*model.Message),
		typing:         make(map[string]time.Time),
	}
}

// Apply folds one fact into the view. Facts for other conversations and
// unknown types are ignored; a fact that fails to decode is dropped
// rather than poisoning the buffer.
func (v *ViewState) Apply(env event.Envelope) {
	if env.ConversationID != 0 && env.ConversationID != v.ConversationID {
		return
	}
	switch env.Type {
	case event.TypeNewMessage:
		var p event.NewMessage
		if env.PayloadAs(&p) == nil {
			v.applyMessage(&p.Message)
		}
	case event.TypeMessageAck:
		var p event.MessageAck
		if env.PayloadAs(&p) == nil {
			v.ApplyAck(p)
		}
	case event.TypeMessageEdited:
		var p event.MessageEdited
		if env.PayloadAs(&p) == nil {
			v.applyEdited(&p.Message)
		}
	case event.TypeMessageDeleted:
		var p event.MessageDeleted
		if env.PayloadAs(&p) == nil {
			v.applyDeleted(&p.Message)
		}
	case event.TypeMessagesRead:
		var p event.MessagesRead
		if env.PayloadAs(&p) == nil {
			v.applyMarker(p.Marker)
		}
	case event.TypeTypingChanged:
		var p event.TypingChanged
		if env.PayloadAs(&p) == nil {
			v.applyTyping(p.Signal)
		}
	}
}

// applyMessage inserts an authoritative message, first settling any
// optimistic entry it confirms. The id check runs before reconciliation
// so a duplicate delivery cannot consume an unrelated pending entry.
func (v *ViewState) applyMessage(msg *model.Message) {
	if _, ok := v.byID[msg.ID]; ok {
		return
	}
	if msg.SenderID == v.selfID {
		v.settlePending(msg)
	}
	v.insert(msg)
}

// ApplyAck settles the optimistic entry by its temp id and inserts the
// authoritative message. Either half may have already happened via a
// broadcast bounce; both are no-ops the second time.
func (v *ViewState) ApplyAck(ack event.MessageAck) {
	v.removePending(ack.ClientTempID)
	v.insert(&ack.Message)
}

// settlePending drops the optimistic entry the bounced message
// confirms: by matching content, kind and approximate compose time, or
// failing that the oldest live entry from this sender. Failed entries
// are skipped; they wait for an explicit retry.
func (v *ViewState) settlePending(msg *model.Message) {
	for i, p := range v.pending {
		if p.Failed || msg.Kind != p.Kind {
			continue
		}
		if msg.Content == nil || *msg.Content != p.Content {
			continue
		}
		gap := msg.CreatedAt.Sub(p.ComposedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= reconcileWindow {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
			return
		}
	}
	for i, p := range v.pending {
		if !p.Failed {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
			return
		}
	}
}

func (v *ViewState) removePending(tempID string) {
	for i, p := range v.pending {
		if p.ClientTempID == tempID {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
			return
		}
	}
}

// applyEdited replaces the local copy with the authoritative edited
// state. A message the screen has not loaded is left alone, and a local
// tombstone is never resurrected by a late edit fact.
func (v *ViewState) applyEdited(msg *model.Message) {
	cur, ok := v.byID[msg.ID]
	if !ok || cur.IsDeleted {
		return
	}
	cp := msg.Clone()
	// Read receipts are decorated per viewer; the fact does not carry
	// them, so keep what the view already knows.
	if cur.IsRead && !cp.IsRead {
		cp.IsRead = true
		cp.ReadAt = cur.ReadAt
	}
	v.replace(cp)
}

func (v *ViewState) applyDeleted(msg *model.Message) {
	if _, ok := v.byID[msg.ID]; !ok {
		return
	}
	v.replace(msg.Clone())
}

// applyMarker marks the messages the marker's owner has now read:
// everything they received up to LastReadID.
func (v *ViewState) applyMarker(marker model.ReadMarker) {
	for _, msg := range v.order {
		if msg.ID > marker.LastReadID || msg.SenderID == marker.ParticipantID {
			continue
		}
		if !msg.IsRead {
			msg.IsRead = true
			at := marker.ReadAt
			msg.ReadAt = &at
		}
	}
}

func (v *ViewState) applyTyping(sig model.TypingSignal) {
	if sig.ParticipantID == v.selfID {
		return
	}
	if sig.IsTyping {
		v.typing[sig.ParticipantID] = v.now().Add(typing.DefaultTTL)
	} else {
		delete(v.typing, sig.ParticipantID)
	}
}

func (v *ViewState) insert(msg *model.Message) {
	if _, ok := v.byID[msg.ID]; ok {
		return
	}
	cp := msg.Clone()
	v.byID[cp.ID] = cp
	i := sort.Search(len(v.order), func(i int) bool { return v.order[i].ID > cp.ID })
	v.order = append(v.order, nil)
	copy(v.order[i+1:], v.order[i:])
	v.order[i] = cp
}

func (v *ViewState) replace(cp *model.Message) {
	v.byID[cp.ID] = cp
	for i, m := range v.order {
		if m.ID == cp.ID {
			v.order[i] = cp
			return
		}
	}
}

// OptimisticEdit rewrites a confirmed message locally before the
// server has confirmed the edit. The authoritative state replaces it
// when the edited fact or REST response lands.
func (v *ViewState) OptimisticEdit(messageID int64, content string) {
	cur, ok := v.byID[messageID]
	if !ok || cur.IsDeleted {
		return
	}
	cur.Content = &content
	cur.IsEdited = true
	at := v.now()
	cur.EditedAt = &at
}

// OptimisticDelete tombstones a confirmed message locally: content
// cleared, row kept, same shape the store settles on.
func (v *ViewState) OptimisticDelete(messageID int64) {
	cur, ok := v.byID[messageID]
	if !ok {
		return
	}
	cur.Content = nil
	cur.IsDeleted = true
}

// Compose renders a message locally before any transport has seen it.
func (v *ViewState) Compose(tempID string, kind model.MessageKind, content string, att *model.Attachment) {
	v.pending = append(v.pending, &PendingMessage{
		ClientTempID: tempID,
		SenderID:     v.selfID,
		Kind:         kind,
		Content:      content,
		Attachment:   att,
		ComposedAt:   v.now(),
	})
}

// MarkFailed parks the optimistic entry after both transports failed.
func (v *ViewState) MarkFailed(tempID string) {
	for _, p := range v.pending {
		if p.ClientTempID == tempID {
			p.Failed = true
			return
		}
	}
}

// ClearFailed revives a parked entry for a retry dispatch.
func (v *ViewState) ClearFailed(tempID string) {
	for _, p := range v.pending {
		if p.ClientTempID == tempID {
			p.Failed = false
			return
		}
	}
}

// PendingByID returns a copy of the optimistic entry, if still pending.
func (v *ViewState) PendingByID(tempID string) (PendingMessage, bool) {
	for _, p := range v.pending {
		if p.ClientTempID == tempID {
			return *p, true
		}
	}
	return PendingMessage{}, false
}

// MergePage folds a REST history page into the buffer. Known ids are
// replaced, since the page carries fresher read decoration; unknown
// ones are inserted in order.
func (v *ViewState) MergePage(msgs []*model.Message) {
	for _, msg := range msgs {
		if _, ok := v.byID[msg.ID]; ok {
			v.replace(msg.Clone())
		} else {
			v.insert(msg)
		}
	}
}

// SetHasMore records whether older pages remain beyond the oldest
// loaded message. Only page fetches that extended the tail should call
// it; a newest-page refresh says nothing about our pagination depth.
func (v *ViewState) SetHasMore(hasMore bool) { v.hasMore = hasMore }

func (v *ViewState) HasMore() bool { return v.hasMore }

// OldestID is the pagination cursor for the next older page, zero when
// nothing is loaded yet.
func (v *ViewState) OldestID() int64 {
	if len(v.order) == 0 {
		return 0
	}
	return v.order[0].ID
}

// Len counts confirmed messages, excluding pending entries.
func (v *ViewState) Len() int { return len(v.order) }

// Messages returns the confirmed buffer in ascending id order. The
// slice is fresh but the entries are live; callers must not mutate.
func (v *ViewState) Messages() []*model.Message {
	out := make([]*model.Message, len(v.order))
	copy(out, v.order)
	return out
}

// Message returns the confirmed message by id.
func (v *ViewState) Message(id int64) (*model.Message, bool) {
	m, ok := v.byID[id]
	return m, ok
}

// Pending returns the optimistic entries still awaiting confirmation,
// oldest first.
func (v *ViewState) Pending() []PendingMessage {
	out := make([]PendingMessage, len(v.pending))
	for i, p := range v.pending {
		out[i] = *p
	}
	return out
}

// TypingParticipants lists who is typing right now; stale signals fall
// off by deadline even if the clearing fact was lost.
func (v *ViewState) TypingParticipants() []string {
	now := v.now()
	var out []string
	for id, deadline := range v.typing {
		if now.Before(deadline) {
			out = append(out, id)
		} else {
			delete(v.typing, id)
		}
	}
	sort.Strings(out)
	return out
}
