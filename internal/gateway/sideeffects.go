package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/metrics"
)

// effect — фоновая запись, которая не должна задерживать ответ агенту.
type effect struct {
	name string
	fn   func(ctx context.Context) error
}

// sideEffects — ограниченная очередь фоновых записей шлюза с одним воркером.
// При переполнении эффект выбрасывается с логом и метрикой.
type sideEffects struct {
	ch      chan effect
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newSideEffects(size int, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *sideEffects {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &sideEffects{
		ch:      make(chan effect, size),
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *sideEffects) enqueue(name string, fn func(ctx context.Context) error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("side effect dropped: gateway is stopping", zap.String("effect", name))
		return
	}
	select {
	case s.ch <- effect{name: name, fn: fn}:
	default:
		s.metrics.SideEffectsDropped.Inc()
		s.logger.Error("side effect queue overflow", zap.String("effect", name))
	}
}

func (s *sideEffects) worker() {
	defer s.wg.Done()
	for e := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := e.fn(ctx); err != nil {
			s.logger.Error("side effect failed", zap.String("effect", e.name), zap.Error(err))
		}
		cancel()
	}
}

// stop дорабатывает очередь до конца.
func (s *sideEffects) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
}
