package model

import "time"

type Role string

const (
	RoleJobSeeker Role = "jobseeker"
	RoleEmployer  Role = "employer"
)

// Conversation is the two-party thread between an employer and a job seeker,
// scoped to a job posting. One conversation exists per (employer, seeker, job)
// triple; it is created on first send and only ever soft-deactivated.
type Conversation struct {
	ID            int64     `json:"id"`
	EmployerID    string    `json:"employer_id"`
	SeekerID      string    `json:"seeker_id"`
	JobID         string    `json:"job_id"`
	LastMessageAt time.Time `json:"last_message_at"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasParticipant reports whether id is one of the two parties.
func (c *Conversation) HasParticipant(id string) bool {
	return id == c.EmployerID || id == c.SeekerID
}

// Other returns the counterpart of the given participant. Callers must have
// checked HasParticipant first; Other returns "" for a stranger.
func (c *Conversation) Other(id string) string {
	switch id {
	case c.EmployerID:
		return c.SeekerID
	case c.SeekerID:
		return c.EmployerID
	}
	return ""
}

// ReadMarker records the newest message a participant has acknowledged in a
// conversation. LastReadID only moves forward.
type ReadMarker struct {
	ConversationID int64     `json:"conversation_id"`
	ParticipantID  string    `json:"participant_id"`
	LastReadID     int64     `json:"last_read_id"`
	ReadAt         time.Time `json:"read_at"`
}

// TypingSignal is the ephemeral "currently typing" fact. Never persisted.
type TypingSignal struct {
	ConversationID int64  `json:"conversation_id"`
	ParticipantID  string `json:"participant_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ConversationSummary is the list-view row: the conversation plus the preview
// data the list screen renders without loading message history.
type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int64    `json:"unread_count"`
}
