package notify

import (
	"context"
	"fmt"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"go.uber.org/zap"
)

// Provider constants
const (
	ProviderLog   = "log"
	ProviderRedis = "redis"
	ProviderNone  = "none"
)

// NewSink creates a notification sink based on the provider name. The redis
// provider needs a connected stream writer.
func NewSink(provider string, streams StreamWriter, stream string, logger *zap.Logger) (domain.NotificationSink, error) {
	switch provider {
	case ProviderLog, "":
		return NewLogSink(logger), nil

	case ProviderRedis:
		if streams == nil {
			return nil, fmt.Errorf("REDIS_URL is required for redis notification provider")
		}
		return NewRedisSink(streams, stream), nil

	case ProviderNone:
		return NopSink{}, nil

	default:
		return nil, fmt.Errorf("unknown notification provider: %s (valid options: log, redis, none)", provider)
	}
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, ev domain.NotificationEvent) error {
	s.logger.Info("agent notification",
		zap.String("type", string(ev.Type)),
		zap.String("organization_id", ev.OrganizationID.String()),
		zap.String("user_id", ev.UserID),
		zap.String("user_agent_id", ev.UserAgentID),
		zap.String("run_id", ev.RunID.String()),
		zap.String("message", ev.Message),
	)
	return nil
}

type NopSink struct{}

func (NopSink) Notify(context.Context, domain.NotificationEvent) error { return nil }
