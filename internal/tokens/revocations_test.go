package tokens

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Нужен живой Redis: AGENTFLEET_TEST_REDIS_ADDR=localhost:6379
func TestRedisRevocations_RoundTrip(t *testing.T) {
	addr := os.Getenv("AGENTFLEET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGENTFLEET_TEST_REDIS_ADDR is not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRedisRevocations(rdb, "agentfleet-test:"+uuid.NewString(), zap.NewNop())
	got := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Listen(ctx, func(slug string) {
			select {
			case got <- slug:
			default:
			}
		})
	}()

	// Publish до подписки теряется: повторяем, пока слушатель не ответит
	require.Eventually(t, func() bool {
		require.NoError(t, r.Publish(ctx, "research-bot"))
		select {
		case slug := <-got:
			return slug == "research-bot"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
