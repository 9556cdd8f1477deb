package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/infra"
	"github.com/xela07ax/agentfleet/internal/metrics"
)

func TestGuards_BreakerOpensOnTransportFailures(t *testing.T) {
	g := newGuards(infra.GatewayConfig{CBFailureThreshold: 2, CBTimeout: time.Minute}, metrics.New(nil))
	client := newUpstreamClient(time.Second)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodPost, deadURL, nil)
		_, err := g.do(client, "srv1", req)
		require.Error(t, err)
		assert.False(t, errors.Is(err, gobreaker.ErrOpenState))
	}

	req, _ := http.NewRequest(http.MethodPost, deadURL, nil)
	_, err := g.do(client, "srv1", req)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	// Другой сервер не затронут
	assert.Equal(t, gobreaker.StateClosed, g.breaker("srv2").State())
}

func TestGuards_HTTPErrorsDoNotTrip(t *testing.T) {
	g := newGuards(infra.GatewayConfig{CBFailureThreshold: 1}, metrics.New(nil))
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	client := newUpstreamClient(time.Second)
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, upstream.URL, nil)
		resp, err := g.do(client, "srv1", req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}
	assert.Equal(t, gobreaker.StateClosed, g.breaker("srv1").State())
}

func TestGuards_LimiterPerAgent(t *testing.T) {
	g := newGuards(infra.GatewayConfig{}, metrics.New(nil))
	assert.Nil(t, g.limiter("research-bot"), "no limit configured")

	g = newGuards(infra.GatewayConfig{RatePerAgent: 1, RateBurst: 1}, metrics.New(nil))
	a := g.limiter("research-bot")
	require.NotNil(t, a)
	assert.Same(t, a, g.limiter("research-bot"))
	assert.NotSame(t, a, g.limiter("mail-bot"))

	assert.True(t, a.Allow())
	assert.False(t, a.Allow())
	assert.True(t, g.limiter("mail-bot").Allow())
}

func TestUpstreamClient_DoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	resp, err := newUpstreamClient(time.Second).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestSideEffects_DrainOnStop(t *testing.T) {
	s := newSideEffects(8, time.Second, metrics.New(nil), zap.NewNop())

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		s.enqueue("count", func(context.Context) error {
			done.Add(1)
			return nil
		})
	}
	s.stop()
	assert.Equal(t, int32(5), done.Load())

	// После остановки эффекты не принимаются
	s.enqueue("late", func(context.Context) error {
		done.Add(1)
		return nil
	})
	s.stop()
	assert.Equal(t, int32(5), done.Load())
}

func TestSideEffects_OverflowDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newSideEffects(1, time.Second, m, zap.NewNop())

	block := make(chan struct{})
	started := make(chan struct{})
	s.enqueue("block", func(context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		s.enqueue("fill", func(context.Context) error {
			ran.Add(1)
			return errors.New("boom")
		})
	}
	close(block)
	s.stop()

	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, float64(2), counterValue(t, m.SideEffectsDropped))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	return out.GetCounter().GetValue()
}
