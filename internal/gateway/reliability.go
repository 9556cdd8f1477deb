package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agentfleet/internal/infra"
	"github.com/xela07ax/agentfleet/internal/metrics"
)

// guards держит лимитер на агента и предохранитель на удалённый сервер.
// Предохранитель считает только транспортные сбои: HTTP-статус upstream ошибкой не является.
type guards struct {
	cfg     infra.GatewayConfig
	metrics *metrics.Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

func newGuards(cfg infra.GatewayConfig, m *metrics.Metrics) *guards {
	return &guards{
		cfg:      cfg,
		metrics:  m,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// limiter возвращает nil, если лимит не задан.
func (g *guards) limiter(agentSlug string) *rate.Limiter {
	if g.cfg.RatePerAgent <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[agentSlug]
	if !ok {
		burst := g.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(g.cfg.RatePerAgent), burst)
		g.limiters[agentSlug] = l
	}
	return l
}

func (g *guards) breaker(serverID string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[serverID]
	if ok {
		return cb
	}

	threshold := g.cfg.CBFailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	state := g.metrics.CircuitBreakerState.WithLabelValues(serverID)
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-mcp-" + serverID,
		MaxRequests: g.cfg.CBMaxRequests,
		Interval:    g.cfg.CBInterval,
		Timeout:     g.cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			state.Set(float64(to))
		},
	})
	g.breakers[serverID] = cb
	return cb
}

// do выполняет запрос через предохранитель сервера.
func (g *guards) do(client *http.Client, serverID string, req *http.Request) (*http.Response, error) {
	res, err := g.breaker(serverID).Execute(func() (any, error) {
		return client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*http.Response), nil
}

// newUpstreamClient — клиент без общего таймаута: тело (event-stream) может жить долго,
// ограничено только ожидание заголовков ответа.
func newUpstreamClient(headerTimeout time.Duration) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = headerTimeout
	return &http.Client{
		Transport: t,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
