// Package store holds the authoritative record of conversations and
// messages. Two implementations exist: Memory for tests and single-node
// development, Scylla for production.
package store

import (
	"context"
	"time"

	"github.com/kaamlink/chat-service/pkg/model"
)

// Store persists conversations and messages. Methods are safe for
// concurrent use. Ordering of same-conversation mutations is the chat
// service's job; the store only guarantees that each call is applied
// atomically.
type Store interface {
	// EnsureConversation returns the conversation between the employer and
	// the seeker about the given job, creating it when absent. Repeated
	// calls with the same triple return the same conversation.
	EnsureConversation(ctx context.Context, employerID, seekerID, jobID string) (*model.Conversation, error)

	Conversation(ctx context.Context, id int64) (*model.Conversation, error)

	// ConversationsFor returns every conversation the participant belongs
	// to, in no particular order.
	ConversationsFor(ctx context.Context, participantID string) ([]*model.Conversation, error)

	// TouchConversation advances LastMessageAt. Earlier timestamps are
	// ignored so a slow writer cannot move a conversation back down the
	// list.
	TouchConversation(ctx context.Context, id int64, at time.Time) error

	// SetActive flips the conversation's soft-deactivation flag. Rows and
	// messages are never removed.
	SetActive(ctx context.Context, id int64, active bool) error

	// Append persists a fully-formed message. The caller assigns ID and
	// CreatedAt and has already resolved the conversation.
	Append(ctx context.Context, msg *model.Message) error

	// Message resolves a message by id alone.
	Message(ctx context.Context, id int64) (*model.Message, error)

	// Update overwrites the stored message. Used for edits and tombstones.
	Update(ctx context.Context, msg *model.Message) error

	// Page returns up to limit messages with id strictly below beforeID,
	// oldest first, plus whether older messages remain. A beforeID of zero
	// means the newest page. Limit must be positive.
	Page(ctx context.Context, conversationID, beforeID int64, limit int) ([]*model.Message, bool, error)

	// LastMessage returns the newest message in the conversation, or nil
	// when the conversation is empty.
	LastMessage(ctx context.Context, conversationID int64) (*model.Message, error)

	// CountFromOtherAfter counts live messages not sent by participantID
	// with id greater than afterID. Used to resync unread counters after
	// a marker advance.
	CountFromOtherAfter(ctx context.Context, conversationID int64, participantID string, afterID int64) (int64, error)
}
