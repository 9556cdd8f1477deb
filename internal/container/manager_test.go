package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/domain"
	"github.com/xela07ax/agentfleet/internal/metrics"
)

// fakeRuntime имитирует среду исполнения: контейнер "работает" на порту тестового сервера.
type fakeRuntime struct {
	mu       sync.Mutex
	running  map[string]bool
	port     int
	starts   atomic.Int32
	stops    atomic.Int32
	startErr error
	delay    time.Duration
}

func newFakeRuntime(port int) *fakeRuntime {
	return &fakeRuntime{running: make(map[string]bool), port: port}
}

func (f *fakeRuntime) Start(ctx context.Context, slug string) error {
	f.starts.Add(1)
	time.Sleep(f.delay)
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.running[slug] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, slug string) error {
	f.stops.Add(1)
	f.mu.Lock()
	delete(f.running, slug)
	f.mu.Unlock()
	if slug == "broken" {
		return errors.New("docker exploded")
	}
	return nil
}

func (f *fakeRuntime) Info(ctx context.Context, slug string) (domain.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[slug] {
		return domain.ContainerInfo{Status: domain.ContainerStopped}, nil
	}
	port := f.port
	return domain.ContainerInfo{Status: domain.ContainerRunning, Port: &port}, nil
}

func (f *fakeRuntime) Host() string { return "127.0.0.1" }

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, p, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func newTestManager(rt *fakeRuntime) *Manager {
	return NewManager(rt, metrics.New(nil), zap.NewNop(), Options{StartTimeout: 5 * time.Second, CallTimeout: 2 * time.Second})
}

func TestGetClient_ReturnsCachedInstance(t *testing.T) {
	rt := newFakeRuntime(0)
	m := newTestManager(rt)

	a := m.GetClient("research-bot")
	b := m.GetClient("research-bot")
	assert.Same(t, a, b)
	assert.Equal(t, "research-bot", a.Slug())
	assert.Zero(t, rt.starts.Load(), "GetClient must not start the container")

	m.RemoveClient("research-bot")
	assert.NotSame(t, a, m.GetClient("research-bot"))
}

func TestEnsureRunning_ConcurrentCallsStartOnce(t *testing.T) {
	rt := newFakeRuntime(1234)
	rt.delay = 50 * time.Millisecond
	m := newTestManager(rt)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.EnsureRunning(context.Background(), "research-bot")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), rt.starts.Load())

	info, err := m.GetClient("research-bot").Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ContainerRunning, info.Status)
}

func TestEnsureRunning_DifferentSlugsIndependent(t *testing.T) {
	rt := newFakeRuntime(1234)
	rt.delay = 100 * time.Millisecond
	m := newTestManager(rt)

	start := time.Now()
	var wg sync.WaitGroup
	for _, slug := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(slug string) {
			defer wg.Done()
			_, err := m.EnsureRunning(context.Background(), slug)
			assert.NoError(t, err)
		}(slug)
	}
	wg.Wait()

	assert.Equal(t, int32(4), rt.starts.Load())
	assert.Less(t, time.Since(start), 350*time.Millisecond, "starts for different agents must run in parallel")
}

func TestEnsureRunning_AlreadyRunningIsNoop(t *testing.T) {
	rt := newFakeRuntime(1234)
	rt.running["research-bot"] = true
	m := newTestManager(rt)

	_, err := m.EnsureRunning(context.Background(), "research-bot")
	require.NoError(t, err)
	assert.Zero(t, rt.starts.Load())
}

func TestEnsureRunning_StartFailureIsTyped(t *testing.T) {
	rt := newFakeRuntime(1234)
	rt.startErr = errors.New("image not found")
	m := newTestManager(rt)

	_, err := m.EnsureRunning(context.Background(), "research-bot")
	require.Error(t, err)

	var se *domain.StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "research-bot", se.Slug)
	assert.ErrorIs(t, err, domain.ErrContainerStart)

	// Без автоматических повторов: следующий вызов будет новой попыткой
	_, _ = m.EnsureRunning(context.Background(), "research-bot")
	assert.Equal(t, int32(2), rt.starts.Load())
}

func TestStopAll_LogsAndContinues(t *testing.T) {
	rt := newFakeRuntime(1234)
	m := newTestManager(rt)
	m.GetClient("a")
	m.GetClient("broken")
	m.GetClient("c")

	m.StopAll(context.Background())
	assert.Equal(t, int32(3), rt.stops.Load())
}

func TestClient_SessionOperations(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received = append(received, r.Method+" "+r.URL.Path)
		mu.Unlock()

		switch r.URL.Path {
		case "/sessions":
			json.NewEncoder(w).Encode(map[string]string{"id": "cs-1"})
		case "/sessions/cs-1/messages":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["content"] != "hi" {
				w.WriteHeader(http.StatusBadRequest)
			}
		case "/sessions/cs-1/interrupt":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rt := newFakeRuntime(serverPort(t, srv))
	m := newTestManager(rt)
	ctx := context.Background()

	c, err := m.EnsureRunning(ctx, "research-bot")
	require.NoError(t, err)

	id, err := c.CreateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cs-1", id)

	require.NoError(t, c.SendMessage(ctx, id, "hi"))
	require.NoError(t, c.Interrupt(ctx, id))

	err = c.SendMessage(ctx, id, "bad")
	assert.ErrorIs(t, err, domain.ErrUpstreamTransport)
	assert.NotErrorIs(t, err, ErrSessionGone)

	err = c.SendMessage(ctx, "cs-stale", "hi")
	assert.ErrorIs(t, err, domain.ErrUpstreamTransport)
	assert.ErrorIs(t, err, ErrSessionGone)

	assert.Equal(t, []string{
		"POST /sessions",
		"POST /sessions/cs-1/messages",
		"POST /sessions/cs-1/interrupt",
		"POST /sessions/cs-1/messages",
		"POST /sessions/cs-stale/messages",
	}, received)
}

func TestClient_NotRunning(t *testing.T) {
	rt := newFakeRuntime(1234)
	m := newTestManager(rt)

	err := m.GetClient("idle").SendMessage(context.Background(), "cs", "hi")
	assert.ErrorIs(t, err, domain.ErrContainerNotRunning)
}

func TestClient_Events(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/cs-1/events", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"type\":\"stream_start\",\"isActive\":true}\n\n")
		fmt.Fprint(w, "event: stream_delta\ndata: {\"delta\":\"Hel\"}\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"type\":\"stream_end\",\n")
		fmt.Fprint(w, "data: \"isActive\":false}\n\n")
	}))
	defer srv.Close()

	rt := newFakeRuntime(serverPort(t, srv))
	rt.running["research-bot"] = true
	m := newTestManager(rt)

	var got []domain.Event
	opened := false
	err := m.GetClient("research-bot").Events(context.Background(), "cs-1", func() {
		assert.Empty(t, got, "opened fires before the first event")
		opened = true
	}, func(ev domain.Event) {
		got = append(got, ev)
	})
	require.NoError(t, err)
	assert.True(t, opened)

	require.Len(t, got, 3)
	assert.Equal(t, domain.EventStreamStart, got[0].Type)
	require.NotNil(t, got[0].IsActive)
	assert.True(t, *got[0].IsActive)
	assert.Equal(t, domain.EventStreamDelta, got[1].Type)
	assert.Equal(t, "Hel", got[1].Delta)
	assert.Equal(t, domain.EventStreamEnd, got[2].Type)
	require.NotNil(t, got[2].IsActive)
	assert.False(t, *got[2].IsActive)
}

func TestClient_EventsUnknownSession(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	rt := newFakeRuntime(serverPort(t, srv))
	rt.running["research-bot"] = true
	m := newTestManager(rt)

	opened := false
	err := m.GetClient("research-bot").Events(context.Background(), "cs-stale", func() { opened = true }, func(domain.Event) {})
	assert.ErrorIs(t, err, ErrSessionGone)
	assert.ErrorIs(t, err, domain.ErrUpstreamTransport)
	assert.False(t, opened)
}
