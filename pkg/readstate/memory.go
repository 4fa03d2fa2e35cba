package readstate

import (
	"context"
	"sync"
	"time"

	"github.com/kaamlink/chat-service/pkg/model"
)

type stateKey struct {
	conversationID int64
	participantID  string
}

type state struct {
	lastReadID int64
	readAt     time.Time
	unread     int64
}

// Memory keeps read state in process. Used by tests and the single-node
// development setup.
type Memory struct {
	mu     sync.Mutex
	states map[stateKey]*state
}

func NewMemory() *Memory {
	return &Memory{states: make(map[stateKey]*state)}
}

func (m *Memory) get(conversationID int64, participantID string) *state {
	key := stateKey{conversationID: conversationID, participantID: participantID}
	st, ok := m.states[key]
	if !ok {
		st = &state{}
		m.states[key] = st
	}
	return st
}

func (m *Memory) MarkRead(ctx context.Context, conversationID int64, participantID string, uptoID int64) (model.ReadMarker, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(conversationID, participantID)
	advanced := uptoID > st.lastReadID
	if advanced {
		st.lastReadID = uptoID
		st.readAt = time.Now().UTC()
	}
	return model.ReadMarker{
		ConversationID: conversationID,
		ParticipantID:  participantID,
		LastReadID:     st.lastReadID,
		ReadAt:         st.readAt,
	}, advanced, nil
}

func (m *Memory) Marker(ctx context.Context, conversationID int64, participantID string) (model.ReadMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(conversationID, participantID)
	return model.ReadMarker{
		ConversationID: conversationID,
		ParticipantID:  participantID,
		LastReadID:     st.lastReadID,
		ReadAt:         st.readAt,
	}, nil
}

func (m *Memory) IncrementUnread(ctx context.Context, conversationID int64, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.get(conversationID, participantID).unread++
	return nil
}

func (m *Memory) SetUnread(ctx context.Context, conversationID int64, participantID string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.get(conversationID, participantID).unread = n
	return nil
}

func (m *Memory) UnreadCount(ctx context.Context, conversationID int64, participantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.get(conversationID, participantID).unread, nil
}
