package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"promptwatch/internal/db"
	"promptwatch/internal/model"
)

// DefaultRedisChannel carries the same JSON records as the Postgres NOTIFY
// channel for deployments that fan inserts out through Redis pub/sub.
const DefaultRedisChannel = "promptwatch.detections"

// Redis is the alternate stream transport. Backfill still comes from the
// durable Postgres log; only live delivery goes through pub/sub.
type Redis struct {
	store   *db.Store
	client  *redis.Client
	channel string
}

func NewRedis(store *db.Store, client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &Redis{store: store, client: client, channel: channel}
}

func (r *Redis) FetchRecent(ctx context.Context, limit int) ([]model.Event, error) {
	return r.store.RecentEvents(ctx, limit)
}

func (r *Redis) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	// Receive forces the SUBSCRIBE round trip so a dead broker fails here
	// instead of silently never delivering.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close() //nolint:errcheck
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	h.OnStatus(StatusSubscribed)

	sub := &redisSubscription{pubsub: pubsub}
	go sub.relay(ctx, h)
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	once   sync.Once
	err    error
}

func (s *redisSubscription) relay(ctx context.Context, h Handler) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Unsubscribe()
			h.OnStatus(StatusClosed)
			return
		case msg, ok := <-ch:
			if !ok {
				h.OnStatus(StatusClosed)
				return
			}
			h.OnInsert([]byte(msg.Payload))
		}
	}
}

func (s *redisSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
	})
	return s.err
}
