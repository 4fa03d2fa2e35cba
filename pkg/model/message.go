package model

import "time"

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// Attachment is the opaque descriptor returned by the external storage
// service. The store never dereferences the URL.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeKind string `json:"mime_kind,omitempty"`
}

// Message is a single entry in a conversation. IDs are snowflakes assigned
// by the store, so (CreatedAt, ID) ordering reduces to ordering by ID alone.
// Content is nil once the message has been soft-deleted.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Kind           MessageKind `json:"kind"`
	Content        *string     `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	IsEdited       bool        `json:"is_edited"`
	IsDeleted      bool        `json:"is_deleted"`
	IsRead         bool        `json:"is_read"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
}

// Clone returns a copy safe to hand across goroutine boundaries.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Content != nil {
		c := *m.Content
		cp.Content = &c
	}
	if m.Attachment != nil {
		a := *m.Attachment
		cp.Attachment = &a
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}

// Text is a convenience for building text message content.
func Text(s string) *string { return &s }
