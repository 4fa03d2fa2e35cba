// Package typing tracks ephemeral typing signals. Nothing here is
// persisted; a signal that is not refreshed within the TTL simply
// disappears, so a participant who drops off the network never leaves a
// stale indicator behind.
package typing

import (
	"context"
	"time"
)

// DefaultTTL is how long a signal survives without a refresh.
const DefaultTTL = 5 * time.Second

// Tracker records live typing signals with a soft TTL.
type Tracker interface {
	// SetTyping records (isTyping) or clears (!isTyping) the signal.
	// changed reports whether the visible state flipped; a refresh of an
	// already-live signal extends its TTL without counting as a change,
	// so callers can skip redundant broadcasts.
	SetTyping(ctx context.Context, conversationID int64, participantID string, isTyping bool) (changed bool, err error)

	// IsTyping reports whether the participant's signal is currently live.
	IsTyping(ctx context.Context, conversationID int64, participantID string) (bool, error)
}
