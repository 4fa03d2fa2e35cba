package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
)

func textMsg(id int64, sender, content string, at time.Time) *model.Message {
	return &model.Message{
		ID:             id,
		ConversationID: 7,
		SenderID:       sender,
		Kind:           model.KindText,
		Content:        model.Text(content),
		CreatedAt:      at,
	}
}

func factEnv(t event.Type, conversationID int64, payload any) event.Envelope {
	env := event.New(t, nil, "", payload)
	env.ConversationID = conversationID
	return env
}

func TestApplySameMessageTwiceRendersOnce(t *testing.T) {
	v := NewViewState(7, "emp-1")
	fact := factEnv(event.TypeNewMessage, 7, event.NewMessage{Message: *textMsg(101, "seek-1", "hello", time.Now())})

	v.Apply(fact)
	v.Apply(fact)

	require.Equal(t, 1, v.Len())
	got, ok := v.Message(101)
	require.True(t, ok)
	require.Equal(t, "hello", *got.Content)
}

func TestApplyIgnoresOtherConversations(t *testing.T) {
	v := NewViewState(7, "emp-1")
	v.Apply(factEnv(event.TypeNewMessage, 8, event.NewMessage{Message: *textMsg(101, "seek-1", "elsewhere", time.Now())}))
	require.Zero(t, v.Len())
}

func TestAckSettlesPendingByTempID(t *testing.T) {
	v := NewViewState(7, "emp-1")
	v.Compose("tmp-1", model.KindText, "hello", nil)
	require.Len(t, v.Pending(), 1)

	v.ApplyAck(event.MessageAck{ClientTempID: "tmp-1", Message: *textMsg(204, "emp-1", "hello", time.Now())})

	require.Empty(t, v.Pending())
	require.Equal(t, 1, v.Len())
	_, ok := v.Message(204)
	require.True(t, ok)
}

// The broadcast bounce can outrun the REST response. The bounce settles
// the optimistic entry by content, and the late ack must not duplicate
// the message or touch anything else.
func TestBounceBeforeAckLeavesSingleMessage(t *testing.T) {
	v := NewViewState(7, "emp-1")
	now := time.Now()
	v.Compose("tmp-1", model.KindText, "hello", nil)

	v.Apply(factEnv(event.TypeNewMessage, 7, event.NewMessage{Message: *textMsg(204, "emp-1", "hello", now)}))
	require.Empty(t, v.Pending(), "bounce should settle the optimistic entry")
	require.Equal(t, 1, v.Len())

	v.ApplyAck(event.MessageAck{ClientTempID: "tmp-1", Message: *textMsg(204, "emp-1", "hello", now)})
	require.Empty(t, v.Pending())
	require.Equal(t, 1, v.Len(), "ack after bounce must not duplicate")
}

func TestBounceSettlesByContentNotOrder(t *testing.T) {
	v := NewViewState(7, "emp-1")
	v.Compose("tmp-1", model.KindText, "first", nil)
	v.Compose("tmp-2", model.KindText, "second", nil)

	v.Apply(factEnv(event.TypeNewMessage, 7, event.NewMessage{Message: *textMsg(205, "emp-1", "second", time.Now())}))

	pending := v.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "tmp-1", pending[0].ClientTempID, "the content match should pick tmp-2, not the oldest")
}

func TestBounceFallsBackToOldestPending(t *testing.T) {
	v := NewViewState(7, "emp-1")
	v.Compose("tmp-1", model.KindText, "first", nil)
	v.Compose("tmp-2", model.KindText, "second", nil)

	// Content matches neither entry (say, server-side trimming changed
	// it), so the oldest live entry is assumed confirmed.
	v.Apply(factEnv(event.TypeNewMessage, 7, event.NewMessage{Message: *textMsg(206, "emp-1", "first  (trimmed)", time.Now())}))

	pending := v.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "tmp-2", pending[0].ClientTempID)
}

func TestFailedEntryIsNeverSettledByABounce(t *testing.T) {
	v := NewViewState(7, "emp-1")
	v.Compose("tmp-1", model.KindText, "hello", nil)
	v.MarkFailed("tmp-1")

	v.Apply(factEnv(event.TypeNewMessage, 7, event.NewMessage{Message: *textMsg(207, "emp-1", "hello", time.Now())}))

	pending := v.Pending()
	require.Len(t, pending, 1, "a failed entry waits for an explicit retry")
	require.True(t, pending[0].Failed)
	require.Equal(t, 1, v.Len())
}

func TestOtherSendersNeverTouchPending(t *testing.T) {
	v := NewViewState(7, "emp-1")
	v.Compose("tmp-1", model.KindText, "hello", nil)

	v.Apply(factEnv(event.TypeNewMessage, 7, event.NewMessage{Message: *textMsg(208, "seek-1", "hello", time.Now())}))

	require.Len(t, v.Pending(), 1)
	require.Equal(t, 1, v.Len())
}

func TestEditReplacesContentAndKeepsReadFlag(t *testing.T) {
	v := NewViewState(7, "emp-1")
	now := time.Now()
	v.Apply(factEnv(event.TypeNewMessage, 7, event.NewMessage{Message: *textMsg(101, "emp-1", "hello", now)}))
	v.Apply(factEnv(event.TypeMessagesRead, 7, event.MessagesRead{Marker: model.ReadMarker{
		ConversationID: 7, ParticipantID: "seek-1", LastReadID: 101, ReadAt: now,
	}}))

	edited := textMsg(101, "emp-1", "hello there", now)
	edited.IsEdited = true
	v.Apply(factEnv(event.TypeMessageEdited, 7, event.MessageEdited{Message: *edited}))

	got, ok := v.Message(101)
	require.True(t, ok)
	require.Equal(t, "hello there", *got.Content)
	require.True(t, got.IsEdited)
	require.True(t, got.IsRead, "the read receipt must survive the edit fact")
}

func TestEditForUnloadedMessageIsANoOp(t *testing.T) {
	v := NewViewState(7, "emp-1")
	edited := textMsg(999, "emp-1", "never loaded", time.Now())
	v.Apply(factEnv(event.TypeMessageEdited, 7, event.MessageEdited{Message: *edited}))
	require.Zero(t, v.Len())
}

func TestDeleteDominatesALateEdit(t *testing.T) {
	v := NewViewState(7, "emp-1")
	now := time.Now()
	v.Apply(factEnv(event.TypeNewMessage, 7, event.NewMessage{Message: *textMsg(101, "emp-1", "hello", now)}))

	tombstone := textMsg(101, "emp-1", "", now)
	tombstone.Content = nil
	tombstone.IsDeleted = true
	v.Apply(factEnv(event.TypeMessageDeleted, 7, event.MessageDeleted{Message: *tombstone}))

	edited := textMsg(101, "emp-1", "resurrected?", now)
	edited.IsEdited = true
	v.Apply(factEnv(event.TypeMessageEdited, 7, event.MessageEdited{Message: *edited}))

	got, ok := v.Message(101)
	require.True(t, ok)
	require.True(t, got.IsDeleted)
	require.Nil(t, got.Content)
}

func TestReadMarkerMarksReceivedMessages(t *testing.T) {
	v := NewViewState(7, "emp-1")
	now := time.Now()
	v.MergePage([]*model.Message{
		textMsg(101, "emp-1", "mine", now),
		textMsg(102, "seek-1", "theirs", now),
		textMsg(103, "emp-1", "mine too", now),
	})

	// The other side read up to 102: my 101 gains a receipt, their own
	// 102 does not, and my 103 is beyond the marker.
	v.Apply(factEnv(event.TypeMessagesRead, 7, event.MessagesRead{Marker: model.ReadMarker{
		ConversationID: 7, ParticipantID: "seek-1", LastReadID: 102, ReadAt: now,
	}}))

	m101, _ := v.Message(101)
	m102, _ := v.Message(102)
	m103, _ := v.Message(103)
	require.True(t, m101.IsRead)
	require.False(t, m102.IsRead)
	require.False(t, m103.IsRead)
}

func TestTypingSignalsExpireByDeadline(t *testing.T) {
	v := NewViewState(7, "emp-1")
	current := time.Now()
	v.now = func() time.Time { return current }

	v.Apply(factEnv(event.TypeTypingChanged, 7, event.TypingChanged{Signal: model.TypingSignal{
		ConversationID: 7, ParticipantID: "seek-1", IsTyping: true,
	}}))
	require.Equal(t, []string{"seek-1"}, v.TypingParticipants())

	// The clearing signal got lost; the deadline cleans up instead.
	current = current.Add(6 * time.Second)
	require.Empty(t, v.TypingParticipants())
}

func TestTypingStopClearsImmediately(t *testing.T) {
	v := NewViewState(7, "emp-1")
	sig := model.TypingSignal{ConversationID: 7, ParticipantID: "seek-1", IsTyping: true}
	v.Apply(factEnv(event.TypeTypingChanged, 7, event.TypingChanged{Signal: sig}))

	sig.IsTyping = false
	v.Apply(factEnv(event.TypeTypingChanged, 7, event.TypingChanged{Signal: sig}))
	require.Empty(t, v.TypingParticipants())
}

func TestOwnTypingSignalIsIgnored(t *testing.T) {
	v := NewViewState(7, "emp-1")
	v.Apply(factEnv(event.TypeTypingChanged, 7, event.TypingChanged{Signal: model.TypingSignal{
		ConversationID: 7, ParticipantID: "emp-1", IsTyping: true,
	}}))
	require.Empty(t, v.TypingParticipants())
}

func TestMergePageKeepsOrderWithoutDuplicates(t *testing.T) {
	v := NewViewState(7, "emp-1")
	now := time.Now()
	v.MergePage([]*model.Message{
		textMsg(101, "seek-1", "a", now),
		textMsg(102, "emp-1", "b", now),
		textMsg(103, "seek-1", "c", now),
	})
	v.Apply(factEnv(event.TypeNewMessage, 7, event.NewMessage{Message: *textMsg(104, "seek-1", "d", now)}))

	// An overlapping page, as a reconnect refresh would produce.
	v.MergePage([]*model.Message{
		textMsg(103, "seek-1", "c", now),
		textMsg(104, "seek-1", "d", now),
		textMsg(105, "emp-1", "e", now),
	})

	var ids []int64
	for _, m := range v.Messages() {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []int64{101, 102, 103, 104, 105}, ids)
	require.EqualValues(t, 101, v.OldestID())
}

func TestOptimisticEditAndDelete(t *testing.T) {
	v := NewViewState(7, "emp-1")
	v.MergePage([]*model.Message{textMsg(101, "emp-1", "hello", time.Now())})

	v.OptimisticEdit(101, "hello there")
	got, _ := v.Message(101)
	require.Equal(t, "hello there", *got.Content)
	require.True(t, got.IsEdited)

	v.OptimisticDelete(101)
	got, _ = v.Message(101)
	require.True(t, got.IsDeleted)
	require.Nil(t, got.Content)

	// A late optimistic edit cannot resurrect the tombstone.
	v.OptimisticEdit(101, "again")
	got, _ = v.Message(101)
	require.True(t, got.IsDeleted)
	require.Nil(t, got.Content)
}
