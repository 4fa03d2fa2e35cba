// Package presence tracks which participants currently hold a live
// realtime connection into a conversation room. It is an operational
// hint, not delivery state: the hub updates it on room join and leave,
// and the REST surface exposes it read-only.
package presence

import "context"

type Tracker interface {
	// Join records participantID as connected to the conversation room.
	// Joining twice is a no-op.
	Join(ctx context.Context, conversationID int64, participantID string) error

	// Leave removes the participant from the room set.
	Leave(ctx context.Context, conversationID int64, participantID string) error

	// Online returns the participants currently connected to the room,
	// in no particular order.
	Online(ctx context.Context, conversationID int64) ([]string, error)
}
