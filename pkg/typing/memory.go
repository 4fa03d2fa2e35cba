package typing

import (
	"context"
	"sync"
	"time"
)

type signalKey struct {
	conversationID int64
	participantID  string
}

// Memory tracks signals in process with lazy expiry: a deadline in the
// past is the same as no signal, no reaper goroutine needed.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	deadlines map[signalKey]time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:       ttl,
		now:       time.Now,
		deadlines: make(map[signalKey]time.Time),
	}
}

func (m *Memory) SetTyping(ctx context.Context, conversationID int64, participantID string, isTyping bool) (bool, error) {
	key := signalKey{conversationID: conversationID, participantID: participantID}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	deadline, ok := m.deadlines[key]
	live := ok && deadline.After(now)

	if isTyping {
		m.deadlines[key] = now.Add(m.ttl)
		return !live, nil
	}

	delete(m.deadlines, key)
	return live, nil
}

func (m *Memory) IsTyping(ctx context.Context, conversationID int64, participantID string) (bool, error) {
	key := signalKey{conversationID: conversationID, participantID: participantID}

	m.mu.Lock()
	defer m.mu.Unlock()

	deadline, ok := m.deadlines[key]
	if !ok {
		return false, nil
	}
	if !deadline.After(m.now()) {
		delete(m.deadlines, key)
		return false, nil
	}
	return true, nil
}
