package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/domain"
)

// RedisRelay — глобальные кадры через Redis Pub/Sub, чтобы уведомление дошло
// до наблюдателей на всех инстансах hub.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisRelay(rdb *redis.Client, channel string, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With(zap.String("mod", "relay"), zap.String("chan", channel)),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, f domain.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Listen — живучая подписка: переподключается, пока ctx не отменён.
func (r *RedisRelay) Listen(ctx context.Context, deliver func(domain.Frame)) {
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
		r.logger.Info("global relay subscribed")

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				f, err := decodeFrame(msg.Payload)
				if err != nil {
					r.logger.Error("invalid relay payload", zap.String("payload", msg.Payload), zap.Error(err))
					continue
				}
				deliver(f)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func encodeFrame(f domain.Frame) (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return string(data), nil
}

func decodeFrame(payload string) (domain.Frame, error) {
	var f domain.Frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return domain.Frame{}, err
	}
	if f.Type == "" {
		return domain.Frame{}, fmt.Errorf("frame without type")
	}
	return f, nil
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
