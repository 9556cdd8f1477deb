package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/domain"
	"github.com/xela07ax/agentfleet/internal/metrics"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]domain.AuditEntry
	block   chan struct{}
	err     error
}

func (s *memStorage) WriteBatch(_ context.Context, entries []domain.AuditEntry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]domain.AuditEntry(nil), entries...))
	return s.err
}

func (s *memStorage) all() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func TestWriter_FlushesOnStop(t *testing.T) {
	store := &memStorage{}
	w := NewWriter(store, metrics.New(nil), zap.NewNop(), Options{BatchSize: 100, FlushInterval: time.Hour})
	w.Start()

	for i := 0; i < 5; i++ {
		w.Log(domain.AuditEntry{AgentSlug: "research-bot", StatusCode: 200})
	}
	w.Stop()

	entries := store.all()
	require.Len(t, entries, 5)
	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	}

	// После Stop запись отбрасывается, без паники на закрытом канале
	w.Log(domain.AuditEntry{AgentSlug: "late"})
	w.Stop()
	assert.Len(t, store.all(), 5)
}

func TestWriter_FlushesByBatchSize(t *testing.T) {
	store := &memStorage{}
	w := NewWriter(store, metrics.New(nil), zap.NewNop(), Options{BatchSize: 3, FlushInterval: time.Hour})
	w.Start()
	defer w.Stop()

	for i := 0; i < 3; i++ {
		w.Log(domain.AuditEntry{AgentSlug: "research-bot"})
	}
	require.Eventually(t, func() bool { return len(store.all()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestWriter_FlushesByInterval(t *testing.T) {
	store := &memStorage{}
	w := NewWriter(store, metrics.New(nil), zap.NewNop(), Options{BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	w.Start()
	defer w.Stop()

	w.Log(domain.AuditEntry{AgentSlug: "research-bot"})
	require.Eventually(t, func() bool { return len(store.all()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriter_ShedsLoadWhenFull(t *testing.T) {
	store := &memStorage{block: make(chan struct{})}
	w := NewWriter(store, metrics.New(nil), zap.NewNop(), Options{BufferSize: 2, BatchSize: 1, FlushInterval: time.Hour})
	w.Start()

	// Первая запись застревает в WriteBatch, следующие две заполняют буфер
	w.Log(domain.AuditEntry{TraceID: "1"})
	require.Eventually(t, func() bool { return len(w.ch) == 0 }, time.Second, time.Millisecond)
	w.Log(domain.AuditEntry{TraceID: "2"})
	w.Log(domain.AuditEntry{TraceID: "3"})

	done := make(chan struct{})
	go func() {
		w.Log(domain.AuditEntry{TraceID: "4"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a full buffer")
	}

	close(store.block)
	w.Stop()

	var traces []string
	for _, e := range store.all() {
		traces = append(traces, e.TraceID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, traces)
}

func TestWriter_StorageErrorIsSwallowed(t *testing.T) {
	store := &memStorage{err: errors.New("db down")}
	w := NewWriter(store, metrics.New(nil), zap.NewNop(), Options{})
	w.Start()
	w.Log(domain.AuditEntry{AgentSlug: "research-bot"})
	w.Stop()
	assert.Len(t, store.all(), 1)
}

type stubProvider struct {
	got Query
	err error
}

func (p *stubProvider) FetchLogs(_ context.Context, q Query) ([]domain.AuditEntry, error) {
	p.got = q
	return []domain.AuditEntry{{AgentSlug: q.AgentSlug}}, p.err
}

func TestService_FetchLogsClampsLimit(t *testing.T) {
	p := &stubProvider{}
	s := NewService(p)

	_, err := s.FetchLogs(context.Background(), Query{AgentSlug: "research-bot"})
	require.NoError(t, err)
	assert.Equal(t, defaultLimit, p.got.Limit)

	_, err = s.FetchLogs(context.Background(), Query{Limit: 1 << 20})
	require.NoError(t, err)
	assert.Equal(t, maxLimit, p.got.Limit)

	p.err = errors.New("boom")
	_, err = s.FetchLogs(context.Background(), Query{})
	assert.Error(t, err)
}
