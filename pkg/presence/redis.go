package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis keeps one set per room so every gateway instance sees the same
// membership. Entries are removed on leave, not expired; a crashed
// gateway is expected to drain its sessions during shutdown.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func presenceKey(conversationID int64) string {
	return fmt.Sprintf("chat:presence:%d", conversationID)
}

func (r *Redis) Join(ctx context.Context, conversationID int64, participantID string) error {
	return r.client.SAdd(ctx, presenceKey(conversationID), participantID).Err()
}

func (r *Redis) Leave(ctx context.Context, conversationID int64, participantID string) error {
	return r.client.SRem(ctx, presenceKey(conversationID), participantID).Err()
}

func (r *Redis) Online(ctx context.Context, conversationID int64) ([]string, error) {
	return r.client.SMembers(ctx, presenceKey(conversationID)).Result()
}
