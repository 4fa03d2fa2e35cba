package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
)

const defaultBaseURL = "http://localhost:8080"

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status       int    `json:"-"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	ClientTempID string `json:"client_temp_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s (%d): %s", e.Code, e.Status, e.Message)
}

// REST talks to the chat service's HTTP surface. It is the fallback
// transport when the realtime channel is down and the primary one for
// history pages and list loads.
type REST struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*REST)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *REST) { c.baseURL = u }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *REST) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *REST) { c.http = h }
}

// NewREST builds a client that authenticates every request with the
// given bearer token.
func NewREST(token string, opts ...Option) *REST {
	c := &REST{
		baseURL: defaultBaseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *REST) do(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

type conversationsBody struct {
	Conversations []*model.ConversationSummary `json:"conversations"`
}

type messagesBody struct {
	Messages []*model.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

type presenceBody struct {
	Participants []string `json:"participants"`
}

// Login exchanges a user id for a token on the dev login endpoint. It
// does not use the client's stored token.
func (c *REST) Login(ctx context.Context, userID string, role model.Role) (string, error) {
	data, err := c.do(ctx, http.MethodPost, "/login", map[string]any{"user_id": userID, "role": role}, nil)
	if err != nil {
		return "", err
	}
	out, err := decodeJSON[struct {
		Token string `json:"token"`
	}](data)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

// Conversations fetches a page of the caller's conversation list,
// newest activity first.
func (c *REST) Conversations(ctx context.Context, page, limit int) ([]*model.ConversationSummary, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.do(ctx, http.MethodGet, "/conversations", nil, q)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[conversationsBody](data)
	if err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Conversation fetches one conversation summary.
func (c *REST) Conversation(ctx context.Context, id int64) (*model.ConversationSummary, error) {
	data, err := c.do(ctx, http.MethodGet, "/conversations/"+strconv.FormatInt(id, 10), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[model.ConversationSummary](data)
}

// StartConversation resolves or creates the conversation for a
// (employer, seeker, job) triple.
func (c *REST) StartConversation(ctx context.Context, employerID, seekerID, jobID string) (*model.ConversationSummary, error) {
	body := map[string]string{"employer_id": employerID, "seeker_id": seekerID, "job_id": jobID}
	data, err := c.do(ctx, http.MethodPost, "/conversations", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[model.ConversationSummary](data)
}

// Messages fetches one history page, oldest first within the page.
// beforeID zero means the newest page; otherwise pass the oldest id of
// the page already loaded.
func (c *REST) Messages(ctx context.Context, conversationID, beforeID int64, limit int) ([]*model.Message, bool, error) {
	q := url.Values{}
	if beforeID > 0 {
		q.Set("before", strconv.FormatInt(beforeID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/conversations/%d/messages", conversationID), nil, q)
	if err != nil {
		return nil, false, err
	}
	out, err := decodeJSON[messagesBody](data)
	if err != nil {
		return nil, false, err
	}
	return out.Messages, out.HasMore, nil
}

// Send posts a message over REST and returns the ack correlating the
// client temp id with the authoritative message. Attachment sends are
// routed to the attachment endpoint.
func (c *REST) Send(ctx context.Context, conversationID int64, cmd event.SendMessage) (*event.MessageAck, error) {
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	if cmd.Attachment != nil {
		path += "/attachment"
	}
	data, err := c.do(ctx, http.MethodPost, path, cmd, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[event.MessageAck](data)
}

// Edit replaces a message's content and returns the authoritative
// edited state.
func (c *REST) Edit(ctx context.Context, messageID int64, content string) (*event.MessageEdited, error) {
	body := map[string]string{"content": content}
	data, err := c.do(ctx, http.MethodPut, "/messages/"+strconv.FormatInt(messageID, 10), body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[event.MessageEdited](data)
}

// Delete tombstones a message. Repeating it is not an error.
func (c *REST) Delete(ctx context.Context, messageID int64) error {
	_, err := c.do(ctx, http.MethodDelete, "/messages/"+strconv.FormatInt(messageID, 10), nil, nil)
	return err
}

// MarkRead advances the caller's read marker and returns the marker the
// server settled on, which may be ahead of the requested id.
func (c *REST) MarkRead(ctx context.Context, conversationID, upToMessageID int64) (*event.MessagesRead, error) {
	body := map[string]int64{"up_to_message_id": upToMessageID}
	data, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/conversations/%d/read", conversationID), body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[event.MessagesRead](data)
}

// Presence lists the participants with a live session in the
// conversation's room right now.
func (c *REST) Presence(ctx context.Context, conversationID int64) ([]string, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/conversations/%d/presence", conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[presenceBody](data)
	if err != nil {
		return nil, err
	}
	return out.Participants, nil
}
