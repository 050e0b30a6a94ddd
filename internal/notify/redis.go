package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "agent:notifications"
	// Streams are trimmed approximately to this many entries.
	defaultStreamMaxLen = 10000
)

// StreamWriter is the subset of *redis.Client the sink uses.
type StreamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends notifications to a capped Redis stream for downstream
// consumers (mailers, dashboards).
type RedisSink struct {
	client StreamWriter
	stream string
	maxLen int64
}

func NewRedisSink(client StreamWriter, stream string) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: defaultStreamMaxLen}
}

func (s *RedisSink) Notify(ctx context.Context, ev domain.NotificationEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal notification data: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":            string(ev.Type),
			"organization_id": ev.OrganizationID.String(),
			"user_id":         ev.UserID,
			"user_agent_id":   ev.UserAgentID,
			"run_id":          ev.RunID.String(),
			"message":         ev.Message,
			"data":            string(data),
			"occurred_at":     ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Connect opens a Redis client from a redis:// URL, or a bare host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{Addr: redisURL}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}
