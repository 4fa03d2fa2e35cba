// Package event defines the wire protocol shared by the realtime channel,
// the fact bus and the REST fallback path. Every fact carries the
// authoritative entity state so receivers can apply it by id, which makes
// redelivery and duplication harmless.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/kaamlink/chat-service/pkg/model"
)

type Type string

// Server -> client facts.
const (
	TypeNewMessage          Type = "new_message"
	TypeMessageEdited       Type = "message_edited"
	TypeMessageDeleted      Type = "message_deleted"
	TypeMessagesRead        Type = "messages_read"
	TypeTypingChanged       Type = "typing_changed"
	TypeConversationUpdated Type = "conversation_updated"
	TypeMessageAck          Type = "message_ack"
	TypeError               Type = "error"
)

// Client -> server commands.
const (
	TypeSendMessage   Type = "send_message"
	TypeEditMessage   Type = "edit_message"
	TypeDeleteMessage Type = "delete_message"
	TypeMarkRead      Type = "mark_read"
	TypeStartTyping   Type = "start_typing"
	TypeStopTyping    Type = "stop_typing"
	TypeJoin          Type = "join_conversation"
	TypeLeave         Type = "leave_conversation"
)

// Envelope is the framing for every channel message in both directions.
// ConversationID, Participants, ActorID and OriginSession are routing
// metadata used by the hub and the bus; payload carries the entity state.
type Envelope struct {
	Type           Type            `json:"type"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Participants   []string        `json:"participants,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"`
	OriginSession  string          `json:"origin_session,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func (e *Envelope) Encode() ([]byte, error) { return json.Marshal(e) }

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// ---- fact payloads (server -> client) ----

type NewMessage struct {
	Message model.Message `json:"message"`
}

type MessageEdited struct {
	Message model.Message `json:"message"`
}

// MessageDeleted carries the tombstoned message (IsDeleted=true, nil content).
type MessageDeleted struct {
	Message model.Message `json:"message"`
}

type MessagesRead struct {
	Marker model.ReadMarker `json:"marker"`
}

type TypingChanged struct {
	Signal model.TypingSignal `json:"signal"`
}

// Reasons carried by ConversationUpdated. List views bump their unread
// badge only for ReasonNewMessage from the other participant; preview
// rewrites after an edit or delete must not count.
const (
	ReasonNewMessage     = "new_message"
	ReasonMessageEdited  = "message_edited"
	ReasonMessageDeleted = "message_deleted"
)

// ConversationUpdated is the coarse list-view fact: enough to refresh a
// preview row without loading message history. It carries no unread
// count because that is per viewer; receivers maintain their own counter
// from Reason and SenderID.
type ConversationUpdated struct {
	Conversation model.Conversation `json:"conversation"`
	LastMessage  *model.Message     `json:"last_message,omitempty"`
	SenderID     string             `json:"sender_id"`
	Reason       string             `json:"reason"`
}

// MessageAck confirms a send to the origin session only, correlating the
// client's temporary id with the authoritative message.
type MessageAck struct {
	ClientTempID string        `json:"client_temp_id"`
	Message      model.Message `json:"message"`
}

type Error struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	ClientTempID string `json:"client_temp_id,omitempty"`
}

// ---- command payloads (client -> server) ----

type SendMessage struct {
	ClientTempID string            `json:"client_temp_id,omitempty"`
	Kind         model.MessageKind `json:"kind,omitempty"`
	Content      string            `json:"content,omitempty"`
	Attachment   *model.Attachment `json:"attachment,omitempty"`
}

type EditMessage struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessage struct {
	MessageID int64 `json:"message_id"`
}

type MarkRead struct {
	UpToMessageID int64 `json:"up_to_message_id"`
}

// New builds an envelope with the payload marshaled in. It panics only on
// unmarshalable payloads, which would be a programming error.
func New(t Type, conv *model.Conversation, actorID string, payload any) Envelope {
	env := Envelope{Type: t, ActorID: actorID}
	if conv != nil {
		env.ConversationID = conv.ID
		env.Participants = []string{conv.EmployerID, conv.SeekerID}
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("event: marshal %s payload: %v", t, err))
		}
		env.Payload = raw
	}
	return env
}

// PayloadAs unmarshals the envelope payload into out.
func (e *Envelope) PayloadAs(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("event %s: %w", e.Type, err)
	}
	return nil
}
