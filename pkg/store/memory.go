package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kaamlink/chat-service/pkg/apperr"
	"github.com/kaamlink/chat-service/pkg/model"
	"github.com/kaamlink/chat-service/pkg/snowflake"
)

type pairKey struct {
	employerID string
	seekerID   string
	jobID      string
}

// Memory is an in-process Store. Messages are kept per conversation in
// ascending id order, which makes cursor pagination a binary search.
type Memory struct {
	ids *snowflake.Node

	mu      sync.RWMutex
	convs   map[int64]*model.Conversation
	byPair  map[pairKey]int64
	byUser  map[string]map[int64]struct{}
	msgs    map[int64][]*model.Message
	msgConv map[int64]int64
}

func NewMemory(ids *snowflake.Node) *Memory {
	return &Memory{
		ids:     ids,
		convs:   make(map[int64]*model.Conversation),
		byPair:  make(map[pairKey]int64),
		byUser:  make(map[string]map[int64]struct{}),
		msgs:    make(map[int64][]*model.Message),
		msgConv: make(map[int64]int64),
	}
}

func (m *Memory) EnsureConversation(ctx context.Context, employerID, seekerID, jobID string) (*model.Conversation, error) {
	key := pairKey{employerID: employerID, seekerID: seekerID, jobID: jobID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byPair[key]; ok {
		conv := m.convs[id]
		// An explicit start reopens a closed thread.
		conv.IsActive = true
		c := *conv
		return &c, nil
	}

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:            m.ids.Generate(),
		EmployerID:    employerID,
		SeekerID:      seekerID,
		JobID:         jobID,
		LastMessageAt: now,
		IsActive:      true,
		CreatedAt:     now,
	}
	m.convs[conv.ID] = conv
	m.byPair[key] = conv.ID
	m.addParticipant(employerID, conv.ID)
	m.addParticipant(seekerID, conv.ID)

	c := *conv
	return &c, nil
}

func (m *Memory) addParticipant(participantID string, convID int64) {
	set, ok := m.byUser[participantID]
	if !ok {
		set = make(map[int64]struct{})
		m.byUser[participantID] = set
	}
	set[convID] = struct{}{}
}

func (m *Memory) Conversation(ctx context.Context, id int64) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.convs[id]
	if !ok {
		return nil, apperr.ErrConversationNotFound
	}
	c := *conv
	return &c, nil
}

func (m *Memory) ConversationsFor(ctx context.Context, participantID string) ([]*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.Conversation, 0, len(m.byUser[participantID]))
	for id := range m.byUser[participantID] {
		c := *m.convs[id]
		out = append(out, &c)
	}
	return out, nil
}

func (m *Memory) TouchConversation(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.convs[id]
	if !ok {
		return apperr.ErrConversationNotFound
	}
	if at.After(conv.LastMessageAt) {
		conv.LastMessageAt = at
	}
	return nil
}

func (m *Memory) SetActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.convs[id]
	if !ok {
		return apperr.ErrConversationNotFound
	}
	conv.IsActive = active
	return nil
}

func (m *Memory) Append(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.convs[msg.ConversationID]; !ok {
		return apperr.ErrConversationNotFound
	}

	list := m.msgs[msg.ConversationID]
	// Ids are snowflakes assigned under the conversation lock, so appends
	// arrive in ascending order already.
	m.msgs[msg.ConversationID] = append(list, msg.Clone())
	m.msgConv[msg.ID] = msg.ConversationID
	return nil
}

func (m *Memory) Message(ctx context.Context, id int64) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg := m.locate(id)
	if msg == nil {
		return nil, apperr.ErrMessageNotFound
	}
	return msg.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.msgs[msg.ConversationID]
	i := sort.Search(len(list), func(i int) bool { return list[i].ID >= msg.ID })
	if i == len(list) || list[i].ID != msg.ID {
		return apperr.ErrMessageNotFound
	}
	list[i] = msg.Clone()
	return nil
}

func (m *Memory) Page(ctx context.Context, conversationID, beforeID int64, limit int) ([]*model.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.msgs[conversationID]
	end := len(list)
	if beforeID > 0 {
		end = sort.Search(len(list), func(i int) bool { return list[i].ID >= beforeID })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	page := make([]*model.Message, 0, end-start)
	for _, msg := range list[start:end] {
		page = append(page, msg.Clone())
	}
	return page, start > 0, nil
}

func (m *Memory) LastMessage(ctx context.Context, conversationID int64) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.msgs[conversationID]
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1].Clone(), nil
}

func (m *Memory) CountFromOtherAfter(ctx context.Context, conversationID int64, participantID string, afterID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	list := m.msgs[conversationID]
	for i := len(list) - 1; i >= 0; i-- {
		msg := list[i]
		if msg.ID <= afterID {
			break
		}
		if msg.SenderID != participantID && !msg.IsDeleted {
			n++
		}
	}
	return n, nil
}

func (m *Memory) locate(id int64) *model.Message {
	convID, ok := m.msgConv[id]
	if !ok {
		return nil
	}
	list := m.msgs[convID]
	i := sort.Search(len(list), func(i int) bool { return list[i].ID >= id })
	if i == len(list) || list[i].ID != id {
		return nil
	}
	return list[i]
}
