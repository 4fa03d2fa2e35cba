package store

import (
	"context"
	"errors"
	"time"

	"github.com/gocql/gocql"

	"github.com/kaamlink/chat-service/pkg/apperr"
	"github.com/kaamlink/chat-service/pkg/db"
	"github.com/kaamlink/chat-service/pkg/model"
	"github.com/kaamlink/chat-service/pkg/snowflake"
)

const messageColumns = `conversation_id, id, sender_id, kind, content, attachment_url, attachment_name, attachment_size, attachment_mime, created_at, edited_at, is_edited, is_deleted`

// Scylla stores conversations and messages in ScyllaDB. The messages
// table clusters by id descending inside each conversation partition, so
// the newest page is a plain LIMIT query and older pages restrict on id.
type Scylla struct {
	session *db.Session
	ids     *snowflake.Node
}

func NewScylla(session *db.Session, ids *snowflake.Node) *Scylla {
	return &Scylla{session: session, ids: ids}
}

func (s *Scylla) EnsureConversation(ctx context.Context, employerID, seekerID, jobID string) (*model.Conversation, error) {
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:            s.ids.Generate(),
		EmployerID:    employerID,
		SeekerID:      seekerID,
		JobID:         jobID,
		LastMessageAt: now,
		IsActive:      true,
		CreatedAt:     now,
	}

	// The pair table is the uniqueness anchor. IF NOT EXISTS loses the
	// race to whoever inserted first, and we adopt their id.
	prev := map[string]interface{}{}
	applied, err := s.session.Query(
		`INSERT INTO conversations_by_pair (employer_id, seeker_id, job_id, conversation_id) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		employerID, seekerID, jobID, conv.ID,
	).WithContext(ctx).MapScanCAS(prev)
	if err != nil {
		return nil, err
	}
	if !applied {
		id, _ := prev["conversation_id"].(int64)
		existing, err := s.Conversation(ctx, id)
		if err != nil {
			return nil, err
		}
		// An explicit start reopens a closed thread.
		if !existing.IsActive {
			if err := s.SetActive(ctx, id, true); err != nil {
				return nil, err
			}
			existing.IsActive = true
		}
		return existing, nil
	}

	if err := s.session.Query(
		`INSERT INTO conversations (id, employer_id, seeker_id, job_id, last_message_at, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.EmployerID, conv.SeekerID, conv.JobID, conv.LastMessageAt, conv.IsActive, conv.CreatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return nil, err
	}

	for _, participant := range []string{employerID, seekerID} {
		if err := s.session.Query(
			`INSERT INTO conversations_by_participant (participant_id, conversation_id) VALUES (?, ?)`,
			participant, conv.ID,
		).WithContext(ctx).Exec(); err != nil {
			return nil, err
		}
	}

	return conv, nil
}

func (s *Scylla) Conversation(ctx context.Context, id int64) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.session.Query(
		`SELECT id, employer_id, seeker_id, job_id, last_message_at, is_active, created_at FROM conversations WHERE id = ?`,
		id,
	).WithContext(ctx).Scan(
		&conv.ID, &conv.EmployerID, &conv.SeekerID, &conv.JobID, &conv.LastMessageAt, &conv.IsActive, &conv.CreatedAt,
	)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, apperr.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Scylla) ConversationsFor(ctx context.Context, participantID string) ([]*model.Conversation, error) {
	iter := s.session.Query(
		`SELECT conversation_id FROM conversations_by_participant WHERE participant_id = ?`,
		participantID,
	).WithContext(ctx).Iter()

	var ids []int64
	var id int64
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	out := make([]*model.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.Conversation(ctx, id)
		if err != nil {
			if errors.Is(err, apperr.ErrConversationNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

func (s *Scylla) TouchConversation(ctx context.Context, id int64, at time.Time) error {
	conv, err := s.Conversation(ctx, id)
	if err != nil {
		return err
	}
	if !at.After(conv.LastMessageAt) {
		return nil
	}
	return s.session.Query(
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`,
		at, id,
	).WithContext(ctx).Exec()
}

func (s *Scylla) SetActive(ctx context.Context, id int64, active bool) error {
	if _, err := s.Conversation(ctx, id); err != nil {
		return err
	}
	return s.session.Query(
		`UPDATE conversations SET is_active = ? WHERE id = ?`,
		active, id,
	).WithContext(ctx).Exec()
}

func (s *Scylla) Append(ctx context.Context, msg *model.Message) error {
	aURL, aName, aSize, aMime := attachmentColumns(msg.Attachment)

	if err := s.session.Query(
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.ID, msg.SenderID, string(msg.Kind), msg.Content,
		aURL, aName, aSize, aMime,
		msg.CreatedAt, msg.EditedAt, msg.IsEdited, msg.IsDeleted,
	).WithContext(ctx).Exec(); err != nil {
		return err
	}

	return s.session.Query(
		`INSERT INTO message_index (message_id, conversation_id) VALUES (?, ?)`,
		msg.ID, msg.ConversationID,
	).WithContext(ctx).Exec()
}

func (s *Scylla) Message(ctx context.Context, id int64) (*model.Message, error) {
	var convID int64
	err := s.session.Query(
		`SELECT conversation_id FROM message_index WHERE message_id = ?`,
		id,
	).WithContext(ctx).Scan(&convID)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, apperr.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	iter := s.session.Query(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`,
		convID, id,
	).WithContext(ctx).Iter()

	msg, ok := scanMessage(iter)
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrMessageNotFound
	}
	return msg, nil
}

func (s *Scylla) Update(ctx context.Context, msg *model.Message) error {
	return s.session.Query(
		`UPDATE messages SET content = ?, edited_at = ?, is_edited = ?, is_deleted = ? WHERE conversation_id = ? AND id = ?`,
		msg.Content, msg.EditedAt, msg.IsEdited, msg.IsDeleted, msg.ConversationID, msg.ID,
	).WithContext(ctx).Exec()
}

func (s *Scylla) Page(ctx context.Context, conversationID, beforeID int64, limit int) ([]*model.Message, bool, error) {
	var iter *gocql.Iter
	if beforeID > 0 {
		iter = s.session.Query(
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id < ? LIMIT ?`,
			conversationID, beforeID, limit+1,
		).WithContext(ctx).Iter()
	} else {
		iter = s.session.Query(
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? LIMIT ?`,
			conversationID, limit+1,
		).WithContext(ctx).Iter()
	}

	// Rows arrive newest first because of the clustering order.
	var newestFirst []*model.Message
	for {
		msg, ok := scanMessage(iter)
		if !ok {
			break
		}
		newestFirst = append(newestFirst, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, false, err
	}

	hasMore := false
	if len(newestFirst) > limit {
		hasMore = true
		newestFirst = newestFirst[:limit]
	}

	page := make([]*model.Message, len(newestFirst))
	for i, msg := range newestFirst {
		page[len(page)-1-i] = msg
	}
	return page, hasMore, nil
}

func (s *Scylla) LastMessage(ctx context.Context, conversationID int64) (*model.Message, error) {
	iter := s.session.Query(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? LIMIT 1`,
		conversationID,
	).WithContext(ctx).Iter()

	msg, ok := scanMessage(iter)
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return msg, nil
}

func (s *Scylla) CountFromOtherAfter(ctx context.Context, conversationID int64, participantID string, afterID int64) (int64, error) {
	iter := s.session.Query(
		`SELECT sender_id, is_deleted FROM messages WHERE conversation_id = ? AND id > ?`,
		conversationID, afterID,
	).WithContext(ctx).Iter()

	var n int64
	var senderID string
	var isDeleted bool
	for iter.Scan(&senderID, &isDeleted) {
		if senderID != participantID && !isDeleted {
			n++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	return n, nil
}

func attachmentColumns(a *model.Attachment) (url, name *string, size *int64, mime *string) {
	if a == nil {
		return nil, nil, nil, nil
	}
	return &a.URL, &a.Name, &a.Size, &a.MimeKind
}

func scanMessage(iter *gocql.Iter) (*model.Message, bool) {
	var (
		msg      model.Message
		kind     string
		content  *string
		aURL     *string
		aName    *string
		aSize    *int64
		aMime    *string
		editedAt *time.Time
	)
	if !iter.Scan(
		&msg.ConversationID, &msg.ID, &msg.SenderID, &kind, &content,
		&aURL, &aName, &aSize, &aMime,
		&msg.CreatedAt, &editedAt, &msg.IsEdited, &msg.IsDeleted,
	) {
		return nil, false
	}

	msg.Kind = model.MessageKind(kind)
	msg.Content = content
	msg.EditedAt = editedAt
	if aURL != nil {
		msg.Attachment = &model.Attachment{URL: *aURL}
		if aName != nil {
			msg.Attachment.Name = *aName
		}
		if aSize != nil {
			msg.Attachment.Size = *aSize
		}
		if aMime != nil {
			msg.Attachment.MimeKind = *aMime
		}
	}
	return &msg, true
}
