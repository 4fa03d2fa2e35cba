package presence

import (
	"context"
	"sync"
)

// Memory is the in-process tracker used by tests and single-node runs.
type Memory struct {
	mu    sync.RWMutex
	rooms map[int64]map[string]bool
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[int64]map[string]bool)}
}

func (m *Memory) Join(_ context.Context, conversationID int64, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[conversationID] == nil {
		m.rooms[conversationID] = make(map[string]bool)
	}
	m.rooms[conversationID][participantID] = true
	return nil
}

func (m *Memory) Leave(_ context.Context, conversationID int64, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[conversationID]; ok {
		delete(room, participantID)
		if len(room) == 0 {
			delete(m.rooms, conversationID)
		}
	}
	return nil
}

func (m *Memory) Online(_ context.Context, conversationID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room := m.rooms[conversationID]
	out := make([]string, 0, len(room))
	for id := range room {
		out = append(out, id)
	}
	return out, nil
}
