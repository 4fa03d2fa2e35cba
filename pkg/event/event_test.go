package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaamlink/chat-service/pkg/model"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	conv := &model.Conversation{ID: 42, EmployerID: "emp-1", SeekerID: "seek-1"}
	msg := model.Message{
		ID:             99,
		ConversationID: 42,
		SenderID:       "emp-1",
		Kind:           model.KindText,
		Content:        model.Text("hello"),
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}

	env := New(TypeNewMessage, conv, "emp-1", NewMessage{Message: msg})
	env.OriginSession = "sess-1"

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeNewMessage, decoded.Type)
	assert.Equal(t, int64(42), decoded.ConversationID)
	assert.Equal(t, []string{"emp-1", "seek-1"}, decoded.Participants)
	assert.Equal(t, "emp-1", decoded.ActorID)
	assert.Equal(t, "sess-1", decoded.OriginSession)

	var fact NewMessage
	require.NoError(t, decoded.PayloadAs(&fact))
	assert.Equal(t, msg, fact.Message)
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"conversation_id": 1}`))
	assert.ErrorContains(t, err, "missing type")
}

func TestNewWithoutConversation(t *testing.T) {
	// Control frames such as errors carry no routing metadata.
	env := New(TypeError, nil, "", Error{Code: "forbidden", Message: "not a participant"})
	assert.Zero(t, env.ConversationID)
	assert.Nil(t, env.Participants)

	var payload Error
	require.NoError(t, env.PayloadAs(&payload))
	assert.Equal(t, "forbidden", payload.Code)
}

func TestPayloadAsEmptyPayload(t *testing.T) {
	env := Envelope{Type: TypeMarkRead}
	var cmd MarkRead
	assert.ErrorContains(t, env.PayloadAs(&cmd), "empty payload")
}

func TestCommandPayloads(t *testing.T) {
	env := New(TypeSendMessage, nil, "seek-1", SendMessage{
		ClientTempID: "tmp-1",
		Kind:         model.KindText,
		Content:      "are you still hiring?",
	})
	env.ConversationID = 42

	data, err := env.Encode()
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	var cmd SendMessage
	require.NoError(t, decoded.PayloadAs(&cmd))
	assert.Equal(t, "tmp-1", cmd.ClientTempID)
	assert.Equal(t, model.KindText, cmd.Kind)
	assert.Equal(t, "are you still hiring?", cmd.Content)
	assert.Nil(t, cmd.Attachment)
}
