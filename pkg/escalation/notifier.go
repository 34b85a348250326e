package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

// Notifier delivers notifications to escalation pools and unit owners.
type Notifier interface {
	Notify(ctx context.Context, n contracts.Notification) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: slog.Default().With("component", "notifier")}
}

func (l *LogNotifier) Notify(_ context.Context, n contracts.Notification) error {
	l.logger.Info("notification",
		"kind", n.Kind,
		"proposal_id", n.ProposalID,
		"unit_id", n.UnitID,
		"pool", n.Pool,
		"level", n.Level,
		"message", n.Message,
	)
	return nil
}

// RedisNotifier publishes notifications as JSON on a pub/sub channel per
// pool, "<prefix>:<pool>". Notifications without a pool go to "<prefix>:owners".
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "governor:notify"
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

// Channel returns the channel a notification is published on.
func (r *RedisNotifier) Channel(n contracts.Notification) string {
	pool := n.Pool
	if pool == "" {
		pool = "owners"
	}
	return r.prefix + ":" + pool
}

func (r *RedisNotifier) Notify(ctx context.Context, n contracts.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.Channel(n), payload).Err(); err != nil {
		return fmt.Errorf("redis publish error: %w", err)
	}
	return nil
}

// Fanout delivers to every notifier and returns the first error.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n contracts.Notification) error {
	var first error
	for _, nt := range f {
		if err := nt.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
