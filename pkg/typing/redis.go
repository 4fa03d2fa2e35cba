package typing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis tracks signals as keys with a TTL, one per (conversation,
// participant). Redis expiry does the clearing, so a gateway crash never
// pins an indicator.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func typingKey(conversationID int64, participantID string) string {
	return fmt.Sprintf("chat:typing:%d:%s", conversationID, participantID)
}

func (r *Redis) SetTyping(ctx context.Context, conversationID int64, participantID string, isTyping bool) (bool, error) {
	key := typingKey(conversationID, participantID)

	if isTyping {
		set, err := r.client.SetNX(ctx, key, "1", r.ttl).Result()
		if err != nil {
			return false, err
		}
		if set {
			return true, nil
		}
		// Already typing: just refresh the TTL.
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return false, err
		}
		return false, nil
	}

	removed, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (r *Redis) IsTyping(ctx context.Context, conversationID int64, participantID string) (bool, error) {
	n, err := r.client.Exists(ctx, typingKey(conversationID, participantID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
