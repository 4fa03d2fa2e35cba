package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
)

// fakeAPI is a scripted REST backend. It serves seeded history with the
// real pagination contract and can be told to fail sends, which the
// full-stack tests in httpapi cannot.
type fakeAPI struct {
	srv *httptest.Server

	mu          sync.Mutex
	summaries   []*model.ConversationSummary
	history     map[int64][]*model.Message
	nextID      int64
	failSends   int
	sentTempIDs []string
	markers     []model.ReadMarker
	detailCalls int
	detailGate  chan struct{}
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	a := &fakeAPI{history: make(map[int64][]*model.Message), nextID: 1000}

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != "Bearer tok-1" {
				respond(w, http.StatusUnauthorized, map[string]string{"code": "unauthorized", "message": "missing token"})
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/conversations", a.listConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id:[0-9]+}", a.conversation).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id:[0-9]+}/messages", a.page).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id:[0-9]+}/messages", a.send).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id:[0-9]+}/messages/attachment", a.send).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id:[0-9]+}/read", a.markRead).Methods(http.MethodPut)
	r.HandleFunc("/messages/{id:[0-9]+}", a.edit).Methods(http.MethodPut)
	r.HandleFunc("/messages/{id:[0-9]+}", a.del).Methods(http.MethodDelete)

	a.srv = httptest.NewServer(r)
	t.Cleanup(a.srv.Close)
	return a
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (a *fakeAPI) seed(conversationID int64, unread int64, msgs ...*model.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var last *model.Message
	var lastAt time.Time
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1]
		lastAt = last.CreatedAt
	}
	a.history[conversationID] = msgs
	for i, s := range a.summaries {
		if s.ID == conversationID {
			a.summaries[i] = summary(conversationID, lastAt, last, unread)
			return
		}
	}
	a.summaries = append(a.summaries, summary(conversationID, lastAt, last, unread))
}

func (a *fakeAPI) listConversations(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	respond(w, http.StatusOK, map[string]any{"conversations": a.summaries})
}

func (a *fakeAPI) conversation(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.detailCalls++
	gate := a.detailGate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.summaries {
		if s.ID == pathID(r) {
			respond(w, http.StatusOK, s)
			return
		}
	}
	respond(w, http.StatusNotFound, map[string]string{"code": "conversation_not_found", "message": "no such conversation"})
}

func (a *fakeAPI) page(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.history[pathID(r)]

	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	end := len(list)
	if before > 0 {
		end = sort.Search(len(list), func(i int) bool { return list[i].ID >= before })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	respond(w, http.StatusOK, map[string]any{"messages": list[start:end], "has_more": start > 0})
}

func (a *fakeAPI) send(w http.ResponseWriter, r *http.Request) {
	var cmd event.SendMessage
	json.NewDecoder(r.Body).Decode(&cmd)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sentTempIDs = append(a.sentTempIDs, cmd.ClientTempID)
	if a.failSends > 0 {
		a.failSends--
		respond(w, http.StatusInternalServerError, map[string]string{
			"code": "internal", "message": "internal error", "client_temp_id": cmd.ClientTempID,
		})
		return
	}

	a.nextID++
	msg := &model.Message{
		ID:             a.nextID,
		ConversationID: pathID(r),
		SenderID:       "emp-1",
		Kind:           cmd.Kind,
		Content:        model.Text(cmd.Content),
		Attachment:     cmd.Attachment,
		CreatedAt:      time.Now(),
	}
	a.history[msg.ConversationID] = append(a.history[msg.ConversationID], msg)
	respond(w, http.StatusOK, event.MessageAck{ClientTempID: cmd.ClientTempID, Message: *msg})
}

func (a *fakeAPI) markRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UpToMessageID int64 `json:"up_to_message_id"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	a.mu.Lock()
	defer a.mu.Unlock()
	marker := model.ReadMarker{
		ConversationID: pathID(r),
		ParticipantID:  "emp-1",
		LastReadID:     body.UpToMessageID,
		ReadAt:         time.Now(),
	}
	a.markers = append(a.markers, marker)
	respond(w, http.StatusOK, event.MessagesRead{Marker: marker})
}

func (a *fakeAPI) edit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	a.mu.Lock()
	defer a.mu.Unlock()
	id := pathID(r)
	for _, list := range a.history {
		for _, msg := range list {
			if msg.ID == id {
				msg.Content = model.Text(body.Content)
				msg.IsEdited = true
				respond(w, http.StatusOK, event.MessageEdited{Message: *msg})
				return
			}
		}
	}
	respond(w, http.StatusNotFound, map[string]string{"code": "message_not_found", "message": "no such message"})
}

func (a *fakeAPI) del(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := pathID(r)
	for _, list := range a.history {
		for _, msg := range list {
			if msg.ID == id {
				msg.Content = nil
				msg.IsDeleted = true
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *fakeAPI) sends() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sentTempIDs...)
}

// newOfflineDispatcher wires the dispatcher against the fake API with a
// channel that can never come up, forcing every action onto REST.
func newOfflineDispatcher(t *testing.T, api *fakeAPI) *Dispatcher {
	t.Helper()
	rest := NewREST("tok-1", WithBaseURL(api.srv.URL))
	session := NewSession(SessionConfig{
		URL:       "ws://127.0.0.1:1",
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  200 * time.Millisecond,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	d := NewDispatcher(rest, session, "emp-1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { d.Close() })
	return d
}

// newChannelDispatcher wires the dispatcher against both the fake API
// and a live websocket gateway.
func newChannelDispatcher(t *testing.T, api *fakeAPI, g *wsGateway) *Dispatcher {
	t.Helper()
	rest := NewREST("tok-1", WithBaseURL(api.srv.URL))
	session := NewSession(SessionConfig{
		URL:       g.url(),
		Token:     "tok-1",
		BaseDelay: 5 * time.Millisecond,
		MaxDelay:  25 * time.Millisecond,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	d := NewDispatcher(rest, session, "emp-1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { d.Close() })
	return d
}

func TestStartLoadsListWithoutChannel(t *testing.T) {
	api := newFakeAPI(t)
	now := time.Now()
	api.seed(7, 2, textMsg(101, "seek-1", "hello", now))
	api.seed(8, 0)

	d := newOfflineDispatcher(t, api)
	require.NoError(t, d.Start(context.Background()))

	rows := d.Conversations()
	require.Len(t, rows, 2)
	require.EqualValues(t, 2, d.TotalUnread())
}

func TestSendFallsBackToRESTAndConverges(t *testing.T) {
	api := newFakeAPI(t)
	now := time.Now()
	api.seed(7, 0, textMsg(101, "seek-1", "hi", now))

	d := newOfflineDispatcher(t, api)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Open(context.Background(), 7))
	require.Len(t, d.Messages(), 1)

	tempID, err := d.Send(context.Background(), "falling back")
	require.NoError(t, err)
	require.NotEmpty(t, tempID)

	require.Empty(t, d.Pending(), "the REST ack settles the optimistic entry")
	msgs := d.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "falling back", *msgs[1].Content)

	rows := d.Conversations()
	require.EqualValues(t, 7, rows[0].ID)
	require.Equal(t, "falling back", *rows[0].LastMessage.Content, "own send updates the preview")
	require.EqualValues(t, 0, rows[0].UnreadCount)
}

func TestSendFailedOnBothTransportsParksTheEntry(t *testing.T) {
	api := newFakeAPI(t)
	api.seed(7, 0, textMsg(101, "seek-1", "hi", time.Now()))
	api.failSends = 1

	d := newOfflineDispatcher(t, api)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Open(context.Background(), 7))

	tempID, err := d.Send(context.Background(), "doomed, for now")
	require.Error(t, err)

	pending := d.Pending()
	require.Len(t, pending, 1)
	require.True(t, pending[0].Failed)
	require.Len(t, d.Messages(), 1)

	// The retry reuses the original temp id so the eventual ack still
	// correlates.
	require.NoError(t, d.Retry(context.Background(), tempID))
	require.Empty(t, d.Pending())
	require.Len(t, d.Messages(), 2)
	require.Equal(t, []string{tempID, tempID}, api.sends())
}

func TestMarkReadClearsBadgeImmediately(t *testing.T) {
	api := newFakeAPI(t)
	now := time.Now()
	api.seed(7, 2, textMsg(101, "seek-1", "one", now), textMsg(102, "seek-1", "two", now))

	d := newOfflineDispatcher(t, api)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Open(context.Background(), 7))
	require.EqualValues(t, 2, d.TotalUnread())

	require.NoError(t, d.MarkRead(context.Background(), 102))
	require.EqualValues(t, 0, d.TotalUnread())

	api.mu.Lock()
	require.Len(t, api.markers, 1)
	require.EqualValues(t, 102, api.markers[0].LastReadID)
	api.mu.Unlock()

	for _, msg := range d.Messages() {
		require.True(t, msg.IsRead, "their messages gain my receipt locally")
	}
}

func TestEditAndDeleteFallBackToREST(t *testing.T) {
	api := newFakeAPI(t)
	now := time.Now()
	api.seed(7, 0, textMsg(101, "emp-1", "mine", now))

	d := newOfflineDispatcher(t, api)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Open(context.Background(), 7))

	require.NoError(t, d.Edit(context.Background(), 101, "mine, corrected"))
	msgs := d.Messages()
	require.Equal(t, "mine, corrected", *msgs[0].Content)
	require.True(t, msgs[0].IsEdited)

	require.NoError(t, d.Delete(context.Background(), 101))
	msgs = d.Messages()
	require.True(t, msgs[0].IsDeleted)
	require.Nil(t, msgs[0].Content)
}

func TestActionsRequireAnOpenConversation(t *testing.T) {
	api := newFakeAPI(t)
	d := newOfflineDispatcher(t, api)

	_, err := d.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrNoOpenConversation)
	require.ErrorIs(t, d.Edit(context.Background(), 1, "x"), ErrNoOpenConversation)
	require.ErrorIs(t, d.Delete(context.Background(), 1), ErrNoOpenConversation)
	require.ErrorIs(t, d.MarkRead(context.Background(), 1), ErrNoOpenConversation)
	require.ErrorIs(t, d.LoadOlder(context.Background()), ErrNoOpenConversation)
}

func TestLoadOlderWalksBackWithoutGapsOrDuplicates(t *testing.T) {
	api := newFakeAPI(t)
	now := time.Now()
	var history []*model.Message
	for id := int64(1); id <= 7; id++ {
		history = append(history, textMsg(id, "seek-1", "m", now))
	}
	api.seed(7, 0, history...)

	d := newOfflineDispatcher(t, api)
	d.pageLimit = 3
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Open(context.Background(), 7))
	require.Len(t, d.Messages(), 3)
	require.True(t, d.HasMore())

	require.NoError(t, d.LoadOlder(context.Background()))
	require.Len(t, d.Messages(), 6)
	require.True(t, d.HasMore())

	require.NoError(t, d.LoadOlder(context.Background()))
	msgs := d.Messages()
	require.Len(t, msgs, 7)
	require.False(t, d.HasMore())
	for i, msg := range msgs {
		require.EqualValues(t, i+1, msg.ID)
	}
}

func TestChannelSendConvergesOnAck(t *testing.T) {
	api := newFakeAPI(t)
	now := time.Now()
	api.seed(7, 0, textMsg(101, "seek-1", "hi", now))
	g := newWSGateway(t)

	d := newChannelDispatcher(t, api, g)
	require.NoError(t, d.Start(context.Background()))
	require.Equal(t, StateJoined, d.SessionState())
	conn := g.nextConn(t)

	require.NoError(t, d.Open(context.Background(), 7))
	join := g.nextInbound(t)
	require.Equal(t, event.TypeJoin, join.Type)

	tempID, err := d.Send(context.Background(), "over the wire")
	require.NoError(t, err)

	cmd := g.nextInbound(t)
	require.Equal(t, event.TypeSendMessage, cmd.Type)
	require.EqualValues(t, 7, cmd.ConversationID)
	var sendCmd event.SendMessage
	require.NoError(t, cmd.PayloadAs(&sendCmd))
	require.Equal(t, tempID, sendCmd.ClientTempID)
	require.Empty(t, api.sends(), "the channel path must not touch REST")

	require.Len(t, d.Pending(), 1, "optimistic until the ack lands")

	ack := textMsg(204, "emp-1", "over the wire", now)
	env := event.New(event.TypeMessageAck, nil, "emp-1", event.MessageAck{ClientTempID: tempID, Message: *ack})
	env.ConversationID = 7
	g.push(t, conn, env)

	require.Eventually(t, func() bool {
		return len(d.Pending()) == 0 && len(d.Messages()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	rows := d.Conversations()
	require.Equal(t, "over the wire", *rows[0].LastMessage.Content)
}

func TestResumeRefreshesWithoutReplay(t *testing.T) {
	api := newFakeAPI(t)
	now := time.Now()
	api.seed(7, 0, textMsg(101, "seek-1", "hi", now))
	g := newWSGateway(t)

	d := newChannelDispatcher(t, api, g)
	require.NoError(t, d.Start(context.Background()))
	first := g.nextConn(t)
	require.NoError(t, d.Open(context.Background(), 7))
	require.Equal(t, event.TypeJoin, g.nextInbound(t).Type)
	require.Len(t, d.Messages(), 1)

	// While we are away new state accumulates server-side.
	api.seed(7, 3, textMsg(101, "seek-1", "hi", now), textMsg(102, "seek-1", "you there?", now.Add(time.Second)))

	first.Close()
	g.nextConn(t)

	rejoin := g.nextInbound(t)
	require.Equal(t, event.TypeJoin, rejoin.Type)
	require.EqualValues(t, 7, rejoin.ConversationID)

	require.Eventually(t, func() bool {
		return len(d.Messages()) == 2 && d.TotalUnread() == 3
	}, 2*time.Second, 10*time.Millisecond, "one refresh re-pages the view and resyncs the badge")

	// Nothing but the rejoin goes over the new connection.
	select {
	case env := <-g.inbound:
		t.Fatalf("unexpected replayed command %s", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnknownConversationFactTriggersOneFetch(t *testing.T) {
	api := newFakeAPI(t)
	now := time.Now()
	api.seed(7, 0, textMsg(101, "seek-1", "hi", now))
	g := newWSGateway(t)

	d := newChannelDispatcher(t, api, g)
	require.NoError(t, d.Start(context.Background()))
	conn := g.nextConn(t)

	// Facts about a conversation the list page never included, as after
	// a brand-new match. Seed it server-side so the fetch finds it, but
	// hold the response until both facts have certainly been applied.
	api.seed(42, 1, textMsg(501, "seek-2", "new opening", now))
	api.mu.Lock()
	api.detailGate = make(chan struct{})
	api.mu.Unlock()

	upd := updatedEnv(model.Conversation{ID: 42, EmployerID: "emp-1", SeekerID: "seek-2", LastMessageAt: now}, nil, "seek-2", event.ReasonNewMessage)
	g.push(t, conn, upd)
	g.push(t, conn, upd)

	// A fact for the known row proves, by delivery order, that both
	// facts above went through the reducer while the fetch was gated.
	conv7 := d.Conversations()[0].Conversation
	g.push(t, conn, updatedEnv(conv7, textMsg(102, "seek-1", "ping", now), "seek-1", event.ReasonNewMessage))
	require.Eventually(t, func() bool { return rowUnread(d, 7) == 1 }, 2*time.Second, 10*time.Millisecond)

	api.mu.Lock()
	close(api.detailGate)
	api.detailGate = nil
	api.mu.Unlock()

	require.Eventually(t, func() bool { return rowUnread(d, 42) == 1 }, 2*time.Second, 10*time.Millisecond,
		"the authoritative summary wins over blind increments")

	api.mu.Lock()
	require.Equal(t, 1, api.detailCalls, "a burst of facts coalesces into one fetch")
	api.mu.Unlock()
}

func rowUnread(d *Dispatcher, id int64) int64 {
	for _, r := range d.Conversations() {
		if r.ID == id {
			return r.UnreadCount
		}
	}
	return -1
}
