// Package readstate tracks read markers and unread counters per
// (conversation, participant) pair. Markers only ever move forward;
// counters are maintained incrementally on append and resynced from the
// store after a marker advance, so the conversation list never needs a
// full history scan.
package readstate

import (
	"context"

	"github.com/kaamlink/chat-service/pkg/model"
)

// Tracker is implemented by Memory and Redis. Marker monotonicity is a
// read-then-write under the chat service's per-conversation
// serialization; callers outside the service must not write markers.
type Tracker interface {
	// MarkRead advances the participant's marker to max(current, uptoID).
	// advanced reports whether the marker actually moved; a stale uptoID
	// is a no-op, not an error.
	MarkRead(ctx context.Context, conversationID int64, participantID string, uptoID int64) (marker model.ReadMarker, advanced bool, err error)

	// Marker returns the participant's current marker. A participant who
	// has never marked anything read gets a zero LastReadID.
	Marker(ctx context.Context, conversationID int64, participantID string) (model.ReadMarker, error)

	// IncrementUnread bumps the participant's unread counter by one.
	IncrementUnread(ctx context.Context, conversationID int64, participantID string) error

	// SetUnread overwrites the counter with an authoritative recount.
	SetUnread(ctx context.Context, conversationID int64, participantID string, n int64) error

	UnreadCount(ctx context.Context, conversationID int64, participantID string) (int64, error)
}
