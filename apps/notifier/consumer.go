package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
	"github.com/kaamlink/chat-service/pkg/telemetry"
)

const (
	previewLimit = 120
	notifyWait   = 10 * time.Second
)

// Note is what the push pipeline receives per message: enough to render
// a notification and deep-link into the conversation, not the full
// message record.
type Note struct {
	ConversationID int64             `json:"conversation_id"`
	MessageID      int64             `json:"message_id"`
	SenderID       string            `json:"sender_id"`
	RecipientID    string            `json:"recipient_id"`
	Kind           model.MessageKind `json:"kind"`
	Preview        string            `json:"preview"`
	SentAt         time.Time         `json:"sent_at"`
}

// Sink is the boundary to the platform's push pipeline. Device tokens,
// batching and delivery retries all live behind it.
type Sink interface {
	Notify(ctx context.Context, note Note) error
}

// WebhookSink posts notes to the pipeline's intake endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: notifyWait}}
}

func (s *WebhookSink) Notify(ctx context.Context, note Note) error {
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink returned %s", resp.Status)
	}
	return nil
}

// LogSink stands in when no sink is configured.
type LogSink struct {
	logger *slog.Logger
}

func (s LogSink) Notify(_ context.Context, note Note) error {
	s.logger.Info("push note",
		"conversation_id", note.ConversationID,
		"message_id", note.MessageID,
		"recipient", note.RecipientID,
		"preview", note.Preview)
	return nil
}

// Consumer turns new_message facts into push notes. Edits, deletions,
// read markers and typing never reach the push pipeline.
type Consumer struct {
	sink   Sink
	logger *slog.Logger
}

func NewConsumer(sink Sink, logger *slog.Logger) *Consumer {
	return &Consumer{sink: sink, logger: logger}
}

// Handle is the bus subscriber callback.
func (c *Consumer) Handle(env event.Envelope) {
	if env.Type != event.TypeNewMessage {
		return
	}
	var p event.NewMessage
	if err := env.PayloadAs(&p); err != nil {
		c.logger.Warn("undecodable fact", "type", env.Type, "error", err)
		telemetry.FallbackDeliveries.WithLabelValues("invalid").Inc()
		return
	}
	msg := p.Message

	// System messages inform whoever is looking; they never page a phone.
	if msg.Kind == model.KindSystem {
		telemetry.FallbackDeliveries.WithLabelValues("skipped").Inc()
		return
	}

	var recipient string
	for _, id := range env.Participants {
		if id != msg.SenderID {
			recipient = id
			break
		}
	}
	if recipient == "" {
		telemetry.FallbackDeliveries.WithLabelValues("skipped").Inc()
		return
	}

	note := Note{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		RecipientID:    recipient,
		Kind:           msg.Kind,
		Preview:        preview(&msg),
		SentAt:         msg.CreatedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyWait)
	defer cancel()
	if err := c.sink.Notify(ctx, note); err != nil {
		c.logger.Error("notify", "message_id", msg.ID, "recipient", recipient, "error", err)
		telemetry.FallbackDeliveries.WithLabelValues("failed").Inc()
		return
	}
	telemetry.FallbackDeliveries.WithLabelValues("delivered").Inc()
}

func preview(msg *model.Message) string {
	if msg.Content != nil && *msg.Content != "" {
		return truncate(*msg.Content, previewLimit)
	}
	switch msg.Kind {
	case model.KindImage:
		return "[image]"
	case model.KindFile:
		if msg.Attachment != nil && msg.Attachment.Name != "" {
			return "[file] " + truncate(msg.Attachment.Name, previewLimit)
		}
		return "[file]"
	}
	return ""
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
