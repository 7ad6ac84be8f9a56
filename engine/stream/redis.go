package stream

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowmesh/pkg/logger"
)

const channelPrefix = "flowmesh:executions:"

// RedisPublisher mirrors progress events onto Redis pub/sub so API
// replicas other than the executing worker can serve live streams.
type RedisPublisher struct {
	client redis.UniversalClient
}

func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.FromContext(ctx).Error("failed to encode progress event", "error", err)
		return
	}
	if err := p.client.Publish(ctx, channelPrefix+event.ExecutionID.String(), payload).Err(); err != nil {
		logger.FromContext(ctx).Warn("failed to publish progress event",
			"execution_id", event.ExecutionID, "error", err)
	}
}

// SubscribeRedis listens for another replica's progress events.
func SubscribeRedis(ctx context.Context, client redis.UniversalClient, execID string) (<-chan Event, func()) {
	sub := client.Subscribe(ctx, channelPrefix+execID)
	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.FromContext(ctx).Warn("failed to decode progress event", "error", err)
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}
