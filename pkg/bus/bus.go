// Package bus moves fact envelopes between services: the chat service
// publishes after every store mutation, gateways subscribe for websocket
// fan-out, and the notifier subscribes for push delivery. Kafka carries
// the events in production; Memory wires publisher to subscribers inside
// one process for development and tests.
package bus

import (
	"context"

	"github.com/kaamlink/chat-service/pkg/event"
)

type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
	Close() error
}

type Subscriber interface {
	// Subscribe calls handler for every envelope until ctx is done.
	// Delivery is at-most-once per attempt; consumers rely on facts being
	// idempotent rather than on redelivery guarantees.
	Subscribe(ctx context.Context, handler func(event.Envelope)) error
	Close() error
}
