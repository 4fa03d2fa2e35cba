package client

import (
	"sort"
	"time"

	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
)

// defaultRefreshWindow coalesces re-fetch requests for a conversation
// the list does not know yet. Under a message burst every fact for the
// missing row would otherwise trigger its own fetch; within the window
// only the first one does.
const defaultRefreshWindow = 2 * time.Second

// ConversationList is the list screen's projection: one row per
// conversation, newest activity first, with an unread badge maintained
// purely from facts. Like ViewState it is single-threaded by contract.
type ConversationList struct {
	selfID        string
	now           func() time.Time
	rows          []*model.ConversationSummary
	byID          map[int64]*model.ConversationSummary
	refreshWindow time.Duration
	refreshAsked  map[int64]time.Time
	refreshQueue  []int64
}

func NewConversationList(selfID string) *ConversationList {
	return &ConversationList{
		selfID:        selfID,
		now:           time.Now,
		byID:          make(map[int64]*model.ConversationSummary),
		refreshWindow: defaultRefreshWindow,
		refreshAsked:  make(map[int64]time.Time),
	}
}

// Apply folds one fact into the list. Facts about conversations the
// list has not loaded queue a coalesced refresh request instead of
// mutating blind.
func (l *ConversationList) Apply(env event.Envelope) {
	switch env.Type {
	case event.TypeConversationUpdated:
		var p event.ConversationUpdated
		if env.PayloadAs(&p) == nil {
			l.applyUpdated(p)
		}
	case event.TypeMessagesRead:
		var p event.MessagesRead
		if env.PayloadAs(&p) == nil {
			l.applyMarker(p.Marker)
		}
	}
}

func (l *ConversationList) applyUpdated(p event.ConversationUpdated) {
	row, ok := l.byID[p.Conversation.ID]
	if !ok {
		l.requestRefresh(p.Conversation.ID)
		return
	}
	row.Conversation = p.Conversation
	if p.LastMessage != nil {
		row.LastMessage = p.LastMessage.Clone()
	}
	// The badge only grows for genuinely new messages from the other
	// side; preview rewrites after an edit or delete do not count, and
	// neither do the local user's own sends from another device.
	if p.Reason == event.ReasonNewMessage && p.SenderID != l.selfID {
		row.UnreadCount++
	}
	l.resort()
}

// applyMarker resets the badge when the local user's marker covers
// everything the list knows about. A marker that trails the preview
// means messages arrived after the read, so the row is re-fetched for
// the authoritative count rather than guessed at.
func (l *ConversationList) applyMarker(marker model.ReadMarker) {
	if marker.ParticipantID != l.selfID {
		return
	}
	row, ok := l.byID[marker.ConversationID]
	if !ok {
		l.requestRefresh(marker.ConversationID)
		return
	}
	if row.LastMessage == nil || marker.LastReadID >= row.LastMessage.ID {
		row.UnreadCount = 0
		return
	}
	l.requestRefresh(marker.ConversationID)
}

// NoteLocalSend bumps the local user's own send into the preview row.
// The server does not echo conversation_updated to the origin session,
// so this is how the sender's own list keeps up.
func (l *ConversationList) NoteLocalSend(msg *model.Message) {
	row, ok := l.byID[msg.ConversationID]
	if !ok {
		l.requestRefresh(msg.ConversationID)
		return
	}
	row.LastMessage = msg.Clone()
	row.LastMessageAt = msg.CreatedAt
	l.resort()
}

func (l *ConversationList) requestRefresh(conversationID int64) {
	if asked, ok := l.refreshAsked[conversationID]; ok && l.now().Sub(asked) < l.refreshWindow {
		return
	}
	l.refreshAsked[conversationID] = l.now()
	l.refreshQueue = append(l.refreshQueue, conversationID)
}

// TakeRefreshRequests drains the conversations whose authoritative
// summary should be fetched. The caller resolves each with Upsert.
func (l *ConversationList) TakeRefreshRequests() []int64 {
	out := l.refreshQueue
	l.refreshQueue = nil
	return out
}

// Upsert installs an authoritative summary, resolving any outstanding
// refresh for that conversation.
func (l *ConversationList) Upsert(summary *model.ConversationSummary) {
	delete(l.refreshAsked, summary.ID)
	if row, ok := l.byID[summary.ID]; ok {
		*row = *summary
	} else {
		row := *summary
		l.byID[row.ID] = &row
		l.rows = append(l.rows, &row)
	}
	l.resort()
}

// Replace swaps in a full authoritative page, dropping any pending
// refresh state. Used for the initial load and the reconnect resync.
func (l *ConversationList) Replace(summaries []*model.ConversationSummary) {
	l.rows = l.rows[:0]
	l.byID = make(map[int64]*model.ConversationSummary, len(summaries))
	l.refreshAsked = make(map[int64]time.Time)
	l.refreshQueue = nil
	for _, s := range summaries {
		row := *s
		l.byID[row.ID] = &row
		l.rows = append(l.rows, &row)
	}
	l.resort()
}

func (l *ConversationList) resort() {
	sort.SliceStable(l.rows, func(i, j int) bool {
		if !l.rows[i].LastMessageAt.Equal(l.rows[j].LastMessageAt) {
			return l.rows[i].LastMessageAt.After(l.rows[j].LastMessageAt)
		}
		return l.rows[i].ID > l.rows[j].ID
	})
}

// Rows returns the list newest-activity first. The slice is fresh but
// rows are live; callers must not mutate.
func (l *ConversationList) Rows() []*model.ConversationSummary {
	out := make([]*model.ConversationSummary, len(l.rows))
	copy(out, l.rows)
	return out
}

// Row returns one conversation's summary by id.
func (l *ConversationList) Row(id int64) (*model.ConversationSummary, bool) {
	row, ok := l.byID[id]
	return row, ok
}

func (l *ConversationList) Len() int { return len(l.rows) }

// TotalUnread sums the badges, for an app-level indicator.
func (l *ConversationList) TotalUnread() int64 {
	var total int64
	for _, row := range l.rows {
		total += row.UnreadCount
	}
	return total
}
