package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/logging"
	"github.com/vdavid/vchat/backend/internal/models"
)

// RedisChannelPrefix prefixes the per-conversation pub/sub channels.
const RedisChannelPrefix = "vchat:conversation:"

// RedisRelay shares summaries between server instances. As a Sink it
// publishes to Redis; Run feeds every summary seen on Redis, including this
// instance's own, to the local sinks.
type RedisRelay struct {
	client *redis.Client
	local  []Sink
	logger zerolog.Logger
}

var _ Sink = (*RedisRelay)(nil)

// NewRedisRelay connects to the Redis server at url.
func NewRedisRelay(url string, logger zerolog.Logger, local ...Sink) (*RedisRelay, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisRelay{
		client: client,
		local:  local,
		logger: logging.Component(logger, "redis_relay"),
	}, nil
}

func (r *RedisRelay) Name() string {
	return "redis"
}

// Deliver publishes summary on its conversation channel.
func (r *RedisRelay) Deliver(ctx context.Context, summary models.MessageSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("redis: marshal summary: %w", err)
	}
	if err := r.client.Publish(ctx, RedisChannelPrefix+summary.ConversationID, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

// Run relays summaries from Redis to the local sinks until ctx ends.
// ready, if not nil, is closed once the subscription is active.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := r.client.PSubscribe(ctx, RedisChannelPrefix+"*")
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis: subscribe: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.relay(ctx, msg)
		}
	}
}

func (r *RedisRelay) relay(ctx context.Context, msg *redis.Message) {
	var summary models.MessageSummary
	if err := json.Unmarshal([]byte(msg.Payload), &summary); err != nil {
		r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Ignoring malformed summary")
		return
	}
	if summary.ConversationID == "" {
		summary.ConversationID = strings.TrimPrefix(msg.Channel, RedisChannelPrefix)
	}

	for _, sink := range r.local {
		if err := sink.Deliver(ctx, summary); err != nil {
			r.logger.Error().Err(err).Str("sink", sink.Name()).Msg("Failed to deliver relayed summary")
		}
	}
}

// Close disconnects from Redis.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
