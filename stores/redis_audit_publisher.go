package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	iampolicy "github.com/cloudgate/iampolicy"
)

// RedisAuditPublisher appends policy change events to a Redis stream so
// downstream consumers (audit trail, cache invalidation) can read them with
// consumer groups.
type RedisAuditPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisAuditPublisher publishes to the given stream, default
// "iam:policy:audit". The stream is capped to keep memory bounded.
func NewRedisAuditPublisher(client *redis.Client, stream string) *RedisAuditPublisher {
	if stream == "" {
		stream = "iam:policy:audit"
	}
	return &RedisAuditPublisher{client: client, stream: stream, maxLen: 100_000}
}

func (p *RedisAuditPublisher) Publish(ctx context.Context, event *iampolicy.PolicyChangeAuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_type": event.EventType,
			"tenant_id":  event.TenantID,
			"payload":    string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
