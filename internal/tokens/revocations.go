package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher разносит факт отзыва токена по остальным инстансам.
type Publisher interface {
	Publish(ctx context.Context, agentSlug string) error
}

// RedisRevocations — отзыв токенов через Redis Pub/Sub.
// Hub публикует slug, шлюзы подписаны и вычищают его из кэша Validate.
type RedisRevocations struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisRevocations(rdb *redis.Client, channel string, logger *zap.Logger) *RedisRevocations {
	return &RedisRevocations{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With(zap.String("mod", "revocations"), zap.String("chan", channel)),
	}
}

func (r *RedisRevocations) Publish(ctx context.Context, agentSlug string) error {
	if err := r.rdb.Publish(ctx, r.channel, agentSlug).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Listen вызывает evict для каждого отозванного агента, пока ctx не отменён.
// После обрыва подписка восстанавливается.
func (r *RedisRevocations) Listen(ctx context.Context, evict func(agentSlug string)) {
	for {
		pubsub := r.rdb.Subscribe(ctx, r.channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("failed to subscribe", zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}
		r.logger.Info("revocation listener started")

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				if msg.Payload == "" {
					continue
				}
				r.logger.Info("proxy token revoked elsewhere", zap.String("agent", msg.Payload))
				evict(msg.Payload)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
