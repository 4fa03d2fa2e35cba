package chat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaamlink/chat-service/pkg/apperr"
	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
	"github.com/kaamlink/chat-service/pkg/readstate"
	"github.com/kaamlink/chat-service/pkg/snowflake"
	"github.com/kaamlink/chat-service/pkg/store"
	"github.com/kaamlink/chat-service/pkg/typing"
)

type capturePublisher struct {
	mu   sync.Mutex
	envs []event.Envelope
}

func (c *capturePublisher) Publish(ctx context.Context, env event.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func (c *capturePublisher) all() []event.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

// waitFor blocks until n envelopes have been published. Publishing is
// asynchronous by design, so tests have to wait for it.
func (c *capturePublisher) waitFor(t *testing.T, n int) []event.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.envs) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return c.all()
}

func (c *capturePublisher) byType(typ event.Type) []event.Envelope {
	var out []event.Envelope
	for _, env := range c.all() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, *capturePublisher) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	pub := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(store.NewMemory(node), readstate.NewMemory(), typing.NewMemory(time.Second), pub, node, logger, Config{})
	return svc, pub
}

func openConversation(t *testing.T, svc *Service) *model.Conversation {
	t.Helper()
	summary, err := svc.StartConversation(context.Background(), "emp-1", "emp-1", "seek-1", "job-1")
	require.NoError(t, err)
	return &summary.Conversation
}

func TestSendStoresThenPublishes(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	msg, err := svc.Send(ctx, "emp-1", conv.ID, SendInput{
		ClientTempID:  "tmp-1",
		Content:       "hello",
		OriginSession: "sess-a",
	})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID, "store assigned the authoritative id")
	assert.Equal(t, "emp-1", msg.SenderID)
	require.NotNil(t, msg.Content)
	assert.Equal(t, "hello", *msg.Content)

	// The recipient's unread counter was bumped synchronously.
	unread, err := svc.reads.UnreadCount(ctx, conv.ID, "seek-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	envs := pub.waitFor(t, 3)
	require.Len(t, envs, 3)
	assert.Equal(t, event.TypeMessageAck, envs[0].Type, "ack precedes the broadcast")
	assert.Equal(t, event.TypeNewMessage, envs[1].Type)
	assert.Equal(t, event.TypeConversationUpdated, envs[2].Type)

	for _, env := range envs {
		assert.Equal(t, conv.ID, env.ConversationID)
		assert.ElementsMatch(t, []string{"emp-1", "seek-1"}, env.Participants)
		assert.Equal(t, "emp-1", env.ActorID)
		assert.Equal(t, "sess-a", env.OriginSession)
	}

	var ack event.MessageAck
	require.NoError(t, envs[0].PayloadAs(&ack))
	assert.Equal(t, "tmp-1", ack.ClientTempID)
	assert.Equal(t, msg.ID, ack.Message.ID)

	var updated event.ConversationUpdated
	require.NoError(t, envs[2].PayloadAs(&updated))
	assert.Equal(t, event.ReasonNewMessage, updated.Reason)
	assert.Equal(t, "emp-1", updated.SenderID)
	require.NotNil(t, updated.LastMessage)
	assert.Equal(t, msg.ID, updated.LastMessage.ID)
}

func TestSendRejectsOutsider(t *testing.T) {
	svc, pub := newTestService(t)
	conv := openConversation(t, svc)

	_, err := svc.Send(context.Background(), "stranger", conv.ID, SendInput{Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrParticipantNotAuthorized)

	_, err = svc.Send(context.Background(), "emp-1", conv.ID+999, SendInput{Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrConversationNotFound)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, pub.all(), "failed sends publish nothing")
}

func TestSendValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	_, err := svc.Send(ctx, "emp-1", conv.ID, SendInput{Content: "   "})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = svc.Send(ctx, "emp-1", conv.ID, SendInput{Kind: "carrier-pigeon", Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = svc.Send(ctx, "emp-1", conv.ID, SendInput{Kind: model.KindSystem, Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrInvalid, "clients cannot send system messages")

	_, err = svc.Send(ctx, "emp-1", conv.ID, SendInput{Kind: model.KindImage})
	assert.ErrorIs(t, err, apperr.ErrInvalid, "attachment kinds require an attachment")

	msg, err := svc.Send(ctx, "emp-1", conv.ID, SendInput{
		Kind:       model.KindImage,
		Attachment: &model.Attachment{URL: "https://files.example/cv.png"},
	})
	require.NoError(t, err)
	assert.Nil(t, msg.Content)
	require.NotNil(t, msg.Attachment)
}

func TestEditRules(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	msg, err := svc.Send(ctx, "emp-1", conv.ID, SendInput{Content: "orignal"})
	require.NoError(t, err)

	_, err = svc.Edit(ctx, "seek-1", msg.ID, "hijacked", "")
	assert.ErrorIs(t, err, apperr.ErrNotSender)

	_, err = svc.Edit(ctx, "emp-1", msg.ID+999, "typo", "")
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)

	edited, err := svc.Edit(ctx, "emp-1", msg.ID, "original", "")
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, "original", *edited.Content)

	// 3 send facts, then message_edited plus the preview update.
	facts := pub.waitFor(t, 5)
	var sawEdit bool
	for _, env := range facts {
		if env.Type == event.TypeMessageEdited {
			sawEdit = true
			var payload event.MessageEdited
			require.NoError(t, env.PayloadAs(&payload))
			assert.Equal(t, "original", *payload.Message.Content)
		}
	}
	assert.True(t, sawEdit)
}

func TestDeleteDominatesEdit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	msg, err := svc.Send(ctx, "emp-1", conv.ID, SendInput{Content: "take this back"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "emp-1", msg.ID, ""))

	// An edit arriving after the delete must not resurrect the message.
	_, err = svc.Edit(ctx, "emp-1", msg.ID, "resurrected", "")
	assert.ErrorIs(t, err, apperr.ErrAlreadyDeleted)

	got, err := svc.store.Message(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Nil(t, got.Content)
}

func TestDeleteEditRace(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	msg, err := svc.Send(ctx, "emp-1", conv.ID, SendInput{Content: "contested"})
	require.NoError(t, err)

	// Whatever the interleaving, a delete racing an edit must leave the
	// message deleted.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		svc.Delete(ctx, "emp-1", msg.ID, "")
	}()
	go func() {
		defer wg.Done()
		svc.Edit(ctx, "emp-1", msg.ID, "edited", "")
	}()
	wg.Wait()

	got, err := svc.store.Message(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Nil(t, got.Content)
}

func TestDeleteIsIdempotent(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	msg, err := svc.Send(ctx, "emp-1", conv.ID, SendInput{Content: "oops"})
	require.NoError(t, err)

	// 3 send facts, then message_deleted plus the preview update.
	require.NoError(t, svc.Delete(ctx, "emp-1", msg.ID, ""))
	pub.waitFor(t, 5)

	// A retried delete after a dropped acknowledgment is a silent no-op.
	require.NoError(t, svc.Delete(ctx, "emp-1", msg.ID, ""))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.all(), 5, "second delete emits nothing")

	assert.ErrorIs(t, svc.Delete(ctx, "seek-1", msg.ID, ""), apperr.ErrNotSender)
}

func TestDeleteResyncsRecipientUnread(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	first, err := svc.Send(ctx, "emp-1", conv.ID, SendInput{Content: "one"})
	require.NoError(t, err)
	_, err = svc.Send(ctx, "emp-1", conv.ID, SendInput{Content: "two"})
	require.NoError(t, err)

	unread, err := svc.reads.UnreadCount(ctx, conv.ID, "seek-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), unread)

	require.NoError(t, svc.Delete(ctx, "emp-1", first.ID, ""))

	unread, err = svc.reads.UnreadCount(ctx, conv.ID, "seek-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread, "a deleted message stops counting as unread")
}

func TestMarkReadMonotonicAndClamped(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	first, err := svc.Send(ctx, "seek-1", conv.ID, SendInput{Content: "one"})
	require.NoError(t, err)
	second, err := svc.Send(ctx, "seek-1", conv.ID, SendInput{Content: "two"})
	require.NoError(t, err)

	marker, err := svc.MarkRead(ctx, "emp-1", conv.ID, second.ID, "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, marker.LastReadID)

	require.Eventually(t, func() bool {
		return len(pub.byType(event.TypeMessagesRead)) == 1
	}, time.Second, 5*time.Millisecond)

	// An out-of-order mark for an older message must not regress the
	// marker and must not emit another fact.
	marker, err = svc.MarkRead(ctx, "emp-1", conv.ID, first.ID, "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, marker.LastReadID)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.byType(event.TypeMessagesRead), 1)

	// A cursor beyond the newest message clamps to it.
	marker, err = svc.MarkRead(ctx, "emp-1", conv.ID, second.ID+100000, "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, marker.LastReadID)
}

func TestMarkReadEmptyConversation(t *testing.T) {
	svc, _ := newTestService(t)
	conv := openConversation(t, svc)

	marker, err := svc.MarkRead(context.Background(), "emp-1", conv.ID, 12345, "")
	require.NoError(t, err)
	assert.Zero(t, marker.LastReadID)
}

func TestUnreadLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	var msgs []*model.Message
	for _, text := range []string{"one", "two", "three"} {
		msg, err := svc.Send(ctx, "seek-1", conv.ID, SendInput{Content: text})
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	unread, err := svc.reads.UnreadCount(ctx, conv.ID, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), unread)

	_, err = svc.MarkRead(ctx, "emp-1", conv.ID, msgs[1].ID, "")
	require.NoError(t, err)

	unread, err = svc.reads.UnreadCount(ctx, conv.ID, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread, "only the message past the marker is unread")

	_, err = svc.Send(ctx, "seek-1", conv.ID, SendInput{Content: "four"})
	require.NoError(t, err)

	unread, err = svc.reads.UnreadCount(ctx, conv.ID, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), unread)

	// The sender's own unread is untouched by their sends.
	unread, err = svc.reads.UnreadCount(ctx, conv.ID, "seek-1")
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestEditDoesNotReflagUnread(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	msg, err := svc.Send(ctx, "emp-1", conv.ID, SendInput{Content: "Hello"})
	require.NoError(t, err)

	unread, err := svc.reads.UnreadCount(ctx, conv.ID, "seek-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	_, err = svc.MarkRead(ctx, "seek-1", conv.ID, msg.ID, "")
	require.NoError(t, err)

	_, err = svc.Edit(ctx, "emp-1", msg.ID, "Hello there", "")
	require.NoError(t, err)

	// An edit is not new mail.
	unread, err = svc.reads.UnreadCount(ctx, conv.ID, "seek-1")
	require.NoError(t, err)
	assert.Zero(t, unread)

	page, _, err := svc.Page(ctx, "seek-1", conv.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].IsEdited)
	assert.Equal(t, "Hello there", *page[0].Content)
}

func TestPageDecoratesReadReceipts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	first, err := svc.Send(ctx, "emp-1", conv.ID, SendInput{Content: "interview?"})
	require.NoError(t, err)
	_, err = svc.Send(ctx, "emp-1", conv.ID, SendInput{Content: "tomorrow 9am"})
	require.NoError(t, err)

	_, err = svc.MarkRead(ctx, "seek-1", conv.ID, first.ID, "")
	require.NoError(t, err)

	page, hasMore, err := svc.Page(ctx, "emp-1", conv.ID, 0, 10)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, page, 2)

	assert.True(t, page[0].IsRead, "seeker's marker covers the first message")
	require.NotNil(t, page[0].ReadAt)
	assert.False(t, page[1].IsRead)
	assert.Nil(t, page[1].ReadAt)
}

func TestPageStaleCursorSelfHeals(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	var oldest *model.Message
	for _, text := range []string{"a", "b", "c"} {
		msg, err := svc.Send(ctx, "emp-1", conv.ID, SendInput{Content: text})
		require.NoError(t, err)
		if oldest == nil {
			oldest = msg
		}
	}

	// A cursor below everything retained falls back to the newest page
	// instead of returning an empty one.
	page, _, err := svc.Page(ctx, "emp-1", conv.ID, oldest.ID-100000, 10)
	require.NoError(t, err)
	assert.Len(t, page, 3)
}

func TestPageAuthorization(t *testing.T) {
	svc, _ := newTestService(t)
	conv := openConversation(t, svc)

	_, _, err := svc.Page(context.Background(), "stranger", conv.ID, 0, 10)
	assert.ErrorIs(t, err, apperr.ErrParticipantNotAuthorized)
}

func TestTypingBroadcastsOnlyChanges(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	require.NoError(t, svc.SetTyping(ctx, "seek-1", conv.ID, true))
	require.Eventually(t, func() bool {
		return len(pub.byType(event.TypeTypingChanged)) == 1
	}, time.Second, 5*time.Millisecond)

	// A refresh extends the TTL without another broadcast.
	require.NoError(t, svc.SetTyping(ctx, "seek-1", conv.ID, true))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.byType(event.TypeTypingChanged), 1)

	require.NoError(t, svc.SetTyping(ctx, "seek-1", conv.ID, false))
	require.Eventually(t, func() bool {
		return len(pub.byType(event.TypeTypingChanged)) == 2
	}, time.Second, 5*time.Millisecond)

	var payload event.TypingChanged
	facts := pub.byType(event.TypeTypingChanged)
	require.NoError(t, facts[1].PayloadAs(&payload))
	assert.False(t, payload.Signal.IsTyping)
	assert.Equal(t, "seek-1", payload.Signal.ParticipantID)
}

func TestStartConversation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.StartConversation(ctx, "emp-1", "emp-1", "seek-1", "job-7")
	require.NoError(t, err)

	again, err := svc.StartConversation(ctx, "seek-1", "emp-1", "seek-1", "job-7")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "either participant resolves the same thread")

	_, err = svc.StartConversation(ctx, "stranger", "emp-1", "seek-1", "job-7")
	assert.ErrorIs(t, err, apperr.ErrParticipantNotAuthorized)

	_, err = svc.StartConversation(ctx, "emp-1", "emp-1", "emp-1", "job-7")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestDeactivateClosesSendsUntilReopened(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv := openConversation(t, svc)

	msg, err := svc.Send(ctx, "emp-1", conv.ID, SendInput{Content: "position filled, thanks"})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, conv.ID))
	require.NoError(t, svc.Deactivate(ctx, conv.ID), "closing twice is a no-op")

	_, err = svc.Send(ctx, "seek-1", conv.ID, SendInput{Content: "too late"})
	assert.ErrorIs(t, err, apperr.ErrConversationClosed)
	assert.ErrorIs(t, svc.SetTyping(ctx, "seek-1", conv.ID, true), apperr.ErrConversationClosed)

	// History stays readable and the sender may still clean up.
	page, _, err := svc.Page(ctx, "seek-1", conv.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	require.NoError(t, svc.Delete(ctx, "emp-1", msg.ID, ""))

	// An explicit start by a participant reopens the thread.
	reopened, err := svc.StartConversation(ctx, "emp-1", "emp-1", "seek-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, reopened.ID)
	assert.True(t, reopened.IsActive)

	_, err = svc.Send(ctx, "seek-1", conv.ID, SendInput{Content: "congrats to the hire"})
	require.NoError(t, err)
}

func TestConversationListOrderAndPaging(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var convs []*model.Conversation
	for _, job := range []string{"job-1", "job-2", "job-3"} {
		summary, err := svc.StartConversation(ctx, "emp-1", "emp-1", "seek-1", job)
		require.NoError(t, err)
		convs = append(convs, &summary.Conversation)
	}

	// Activity in job-1 then job-3: list order becomes 1, 3, 2... then a
	// reply in job-3 puts it on top.
	_, err := svc.Send(ctx, "emp-1", convs[0].ID, SendInput{Content: "hi"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = svc.Send(ctx, "seek-1", convs[2].ID, SendInput{Content: "hello"})
	require.NoError(t, err)

	list, err := svc.Conversations(ctx, "emp-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, convs[2].ID, list[0].ID, "most recent activity first")
	assert.Equal(t, convs[0].ID, list[1].ID)

	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, int64(1), list[0].UnreadCount, "seeker's reply is unread for the employer")
	assert.Equal(t, int64(0), list[1].UnreadCount)

	// Offset paging over the sorted list.
	pageTwo, err := svc.Conversations(ctx, "emp-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, pageTwo, 1)
	assert.Equal(t, convs[1].ID, pageTwo[0].ID)

	empty, err := svc.Conversations(ctx, "emp-1", 5, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSummaryRequiresMembership(t *testing.T) {
	svc, _ := newTestService(t)
	conv := openConversation(t, svc)

	_, err := svc.Summary(context.Background(), "stranger", conv.ID)
	assert.ErrorIs(t, err, apperr.ErrParticipantNotAuthorized)

	summary, err := svc.Summary(context.Background(), "seek-1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, summary.ID)
}
