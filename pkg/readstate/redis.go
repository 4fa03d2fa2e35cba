package readstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kaamlink/chat-service/pkg/model"
)

// Redis keeps read state in a hash per (participant, conversation):
// last_read_id, read_at (unix millis) and unread. Hot read-state lives
// here rather than in the message store so the conversation list can be
// assembled with pipelined hash reads.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func readKey(participantID string, conversationID int64) string {
	return fmt.Sprintf("chat:read:%s:%d", participantID, conversationID)
}

func (r *Redis) MarkRead(ctx context.Context, conversationID int64, participantID string, uptoID int64) (model.ReadMarker, bool, error) {
	key := readKey(participantID, conversationID)

	current, err := r.marker(ctx, key, conversationID, participantID)
	if err != nil {
		return model.ReadMarker{}, false, err
	}
	if uptoID <= current.LastReadID {
		return current, false, nil
	}

	now := time.Now().UTC()
	if err := r.client.HSet(ctx, key,
		"last_read_id", uptoID,
		"read_at", now.UnixMilli(),
	).Err(); err != nil {
		return model.ReadMarker{}, false, err
	}

	return model.ReadMarker{
		ConversationID: conversationID,
		ParticipantID:  participantID,
		LastReadID:     uptoID,
		ReadAt:         now,
	}, true, nil
}

func (r *Redis) Marker(ctx context.Context, conversationID int64, participantID string) (model.ReadMarker, error) {
	return r.marker(ctx, readKey(participantID, conversationID), conversationID, participantID)
}

func (r *Redis) marker(ctx context.Context, key string, conversationID int64, participantID string) (model.ReadMarker, error) {
	entries, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return model.ReadMarker{}, err
	}

	marker := model.ReadMarker{
		ConversationID: conversationID,
		ParticipantID:  participantID,
		LastReadID:     parseInt64(entries["last_read_id"]),
	}
	if ms := parseInt64(entries["read_at"]); ms > 0 {
		marker.ReadAt = time.UnixMilli(ms).UTC()
	}
	return marker, nil
}

func (r *Redis) IncrementUnread(ctx context.Context, conversationID int64, participantID string) error {
	return r.client.HIncrBy(ctx, readKey(participantID, conversationID), "unread", 1).Err()
}

func (r *Redis) SetUnread(ctx context.Context, conversationID int64, participantID string, n int64) error {
	return r.client.HSet(ctx, readKey(participantID, conversationID), "unread", n).Err()
}

func (r *Redis) UnreadCount(ctx context.Context, conversationID int64, participantID string) (int64, error) {
	n, err := r.client.HGet(ctx, readKey(participantID, conversationID), "unread").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
