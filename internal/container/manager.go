// Package container владеет клиентами контейнеров агентов и гарантирует,
// что на один slug одновременно выполняется не более одного запуска.
package container

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xela07ax/agentfleet/internal/domain"
	"github.com/xela07ax/agentfleet/internal/metrics"
	"github.com/xela07ax/agentfleet/internal/runtime"
)

type Manager struct {
	rt           runtime.Runtime
	metrics      *metrics.Metrics
	logger       *zap.Logger
	startTimeout time.Duration
	calls        *http.Client
	stream       *http.Client

	mu      sync.RWMutex
	clients map[string]*Client

	// Запуски схлопываются по slug; разные slug не блокируют друг друга.
	starts singleflight.Group
}

// Options — параметры Manager. Нулевые значения заменяются дефолтами.
type Options struct {
	StartTimeout time.Duration
	CallTimeout  time.Duration
}

func NewManager(rt runtime.Runtime, m *metrics.Metrics, logger *zap.Logger, opts Options) *Manager {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 90 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Manager{
		rt:           rt,
		metrics:      m,
		logger:       logger.With(zap.String("mod", "containers")),
		startTimeout: opts.StartTimeout,
		calls:        &http.Client{Timeout: opts.CallTimeout},
		stream:       &http.Client{},
		clients:      make(map[string]*Client),
	}
}

// GetClient возвращает клиент агента, создавая его при первом обращении. Контейнер не запускает.
func (m *Manager) GetClient(slug string) *Client {
	m.mu.RLock()
	c, ok := m.clients[slug]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[slug]; ok {
		return c
	}
	c = newClient(slug, m.rt, m.calls, m.stream, m.logger)
	m.clients[slug] = c
	return c
}

// EnsureRunning возвращает клиент с гарантией, что контейнер в статусе running.
// Конкурентные вызовы для одного slug ждут один общий запуск. Повторов нет.
func (m *Manager) EnsureRunning(ctx context.Context, slug string) (*Client, error) {
	c := m.GetClient(slug)

	ch := m.starts.DoChan(slug, func() (any, error) {
		// Запуск не должен обрываться отменой одного из ожидающих
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.startTimeout)
		defer cancel()
		return nil, m.ensure(startCtx, c)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) ensure(ctx context.Context, c *Client) error {
	info, err := c.Info(ctx)
	if err == nil && info.Status == domain.ContainerRunning {
		return nil
	}

	m.logger.Info("starting container", zap.String("agent", c.slug))
	if err := c.Start(ctx); err != nil {
		m.metrics.ContainerStarts.WithLabelValues("failure").Inc()
		m.logger.Error("container start failed", zap.String("agent", c.slug), zap.Error(err))
		return &domain.StartError{Slug: c.slug, Err: err}
	}

	info, err = c.Info(ctx)
	if err != nil {
		m.metrics.ContainerStarts.WithLabelValues("failure").Inc()
		return &domain.StartError{Slug: c.slug, Err: err}
	}
	if info.Status != domain.ContainerRunning {
		m.metrics.ContainerStarts.WithLabelValues("failure").Inc()
		return &domain.StartError{Slug: c.slug, Err: fmt.Errorf("status after start is %s", info.Status)}
	}

	m.metrics.ContainerStarts.WithLabelValues("success").Inc()
	return nil
}

// Stop останавливает контейнер агента, клиент остаётся в кэше.
func (m *Manager) Stop(ctx context.Context, slug string) error {
	return m.GetClient(slug).Stop(ctx)
}

// RemoveClient выкидывает клиент из кэша. Контейнер не останавливает, это делает вызывающий.
func (m *Manager) RemoveClient(slug string) {
	m.mu.Lock()
	delete(m.clients, slug)
	m.mu.Unlock()
	m.starts.Forget(slug)
}

// StopAll останавливает все известные контейнеры при завершении процесса. Ошибки только логируются.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.Stop(ctx); err != nil {
				m.logger.Error("failed to stop container", zap.String("agent", c.slug), zap.Error(err))
			}
		}(c)
	}
	wg.Wait()
}
