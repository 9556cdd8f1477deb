package audit

/*
Writer — асинхронная запись аудита проксированных вызовов.

- Log никогда не блокирует hot path шлюза: запись уходит в ограниченный канал,
  при переполнении запись сбрасывается (load shedding) с логом и метрикой.
- Воркер копит записи и пишет их пачкой по размеру или по таймеру.
- Stop закрывает вход, воркер вычитывает канал до конца и делает финальный flush.
- Ошибка записи в БД только логируется: аудит не должен ронять основной вызов.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/domain"
	"github.com/xela07ax/agentfleet/internal/metrics"
)

// Storage — куда физически уходят записи.
type Storage interface {
	WriteBatch(ctx context.Context, entries []domain.AuditEntry) error
}

// Auditor — то, что нужно шлюзу.
type Auditor interface {
	Log(entry domain.AuditEntry)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

type Writer struct {
	ch      chan domain.AuditEntry
	repo    Storage
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options
	wg      sync.WaitGroup

	// Log держит RLock на время неблокирующей отправки, Stop закрывает канал под Lock
	mu     sync.RWMutex
	closed bool
}

func NewWriter(repo Storage, m *metrics.Metrics, logger *zap.Logger, opts Options) *Writer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Writer{
		ch:      make(chan domain.AuditEntry, opts.BufferSize),
		repo:    repo,
		metrics: m,
		logger:  logger.With(zap.String("mod", "audit")),
		opts:    opts,
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Stop запирает вход и ждёт, пока воркер всё допишет.
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.logger.Info("stopping audit writer: closing channel and flushing buffer...")
	close(w.ch)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("audit writer stopped gracefully")
}

func (w *Writer) Log(e domain.AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("audit entry dropped: writer is stopping", zap.String("trace_id", e.TraceID))
		return
	}

	select {
	case w.ch <- e:
		w.metrics.AuditBufferFill.Set(float64(len(w.ch)))
	default:
		w.metrics.AuditDropped.Inc()
		w.logger.Error("audit_buffer_overflow",
			zap.String("agent", e.AgentSlug),
			zap.String("remote_mcp_id", e.RemoteMcpID),
			zap.String("trace_id", e.TraceID),
			zap.Int("status", e.StatusCode),
		)
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()

	batch := make([]domain.AuditEntry, 0, w.opts.BatchSize)
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Свой контекст: к финальному flush основной уже отменён
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.WriteTimeout)
		if err := w.repo.WriteBatch(ctx, batch); err != nil {
			w.logger.Error("audit flush failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		cancel()
		batch = batch[:0]
		w.metrics.AuditBufferFill.Set(float64(len(w.ch)))
	}

	for {
		select {
		case e, ok := <-w.ch:
			if !ok {
				flush()
				w.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, e)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
