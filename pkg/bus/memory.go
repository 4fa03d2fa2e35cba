package bus

import (
	"context"
	"sync"

	"github.com/kaamlink/chat-service/pkg/event"
)

// Memory is an in-process bus. Publish fans out to every subscriber with
// a non-blocking send: a subscriber that cannot keep up loses events
// rather than stalling the publisher, the same contract the websocket
// fan-out gives slow clients.
type Memory struct {
	mu     sync.Mutex
	subs   map[int]chan event.Envelope
	nextID int
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]chan event.Envelope)}
}

func (m *Memory) Publish(ctx context.Context, env event.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subs {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, handler func(event.Envelope)) error {
	ch := make(chan event.Envelope, 256)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return context.Canceled
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			handler(env)
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
