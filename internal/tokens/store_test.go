package tokens

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
)

type memRepo struct {
	mu       sync.Mutex
	byAgent  map[string]string
	inserts  int
	lookups  int
	conflict string // токен "другого инстанса", который вставится перед нашим
}

func newMemRepo() *memRepo { return &memRepo{byAgent: make(map[string]string)} }

func (r *memRepo) TokenByAgent(_ context.Context, slug string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byAgent[slug]; ok {
		return t, nil
	}
	return "", domain.ErrNotFound
}

func (r *memRepo) AgentByToken(_ context.Context, token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	for slug, t := range r.byAgent {
		if t == token {
			return slug, nil
		}
	}
	return "", domain.ErrNotFound
}

func (r *memRepo) InsertToken(_ context.Context, slug, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.conflict != "" {
		r.byAgent[slug] = r.conflict
		r.conflict = ""
	}
	if _, ok := r.byAgent[slug]; ok {
		return domain.ErrConflict
	}
	r.byAgent[slug] = token
	return nil
}

func (r *memRepo) DeleteToken(_ context.Context, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byAgent, slug)
	return nil
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	s := NewStore(newMemRepo(), time.Minute, zap.NewNop())
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "research-bot")
	require.NoError(t, err)
	second, err := s.GetOrCreate(ctx, "research-bot")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 43, "32 random bytes in unpadded base64url")

	other, err := s.GetOrCreate(ctx, "mail-bot")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestGetOrCreate_Concurrent(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, time.Minute, zap.NewNop())

	const n = 32
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := s.GetOrCreate(context.Background(), "research-bot")
			assert.NoError(t, err)
			results[i] = tok
		}(i)
	}
	wg.Wait()

	for _, tok := range results {
		assert.Equal(t, results[0], tok)
	}
	stored, _ := repo.TokenByAgent(context.Background(), "research-bot")
	assert.Equal(t, results[0], stored)
}

func TestGetOrCreate_ConflictRereads(t *testing.T) {
	repo := newMemRepo()
	repo.conflict = "winner-token"
	s := NewStore(repo, time.Minute, zap.NewNop())

	tok, err := s.GetOrCreate(context.Background(), "research-bot")
	require.NoError(t, err)
	assert.Equal(t, "winner-token", tok)
}

func TestValidate(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, time.Minute, zap.NewNop())
	ctx := context.Background()

	tok, err := s.GetOrCreate(ctx, "research-bot")
	require.NoError(t, err)

	slug, err := s.Validate(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "research-bot", slug)

	_, err = s.Validate(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.lookups, "second lookup is served from cache")

	_, err = s.Validate(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	_, err = s.Validate(ctx, "")
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestValidate_CacheExpires(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, time.Second, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	tok, err := s.GetOrCreate(ctx, "research-bot")
	require.NoError(t, err)
	_, err = s.Validate(ctx, tok)
	require.NoError(t, err)

	// Токен отозван другим инстансом, этот узнаёт после истечения кэша
	require.NoError(t, repo.DeleteToken(ctx, "research-bot"))
	_, err = s.Validate(ctx, tok)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = s.Validate(ctx, tok)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestRevoke(t *testing.T) {
	s := NewStore(newMemRepo(), time.Minute, zap.NewNop())
	ctx := context.Background()

	tok, err := s.GetOrCreate(ctx, "research-bot")
	require.NoError(t, err)
	_, err = s.Validate(ctx, tok)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, "research-bot"))
	_, err = s.Validate(ctx, tok)
	assert.ErrorIs(t, err, domain.ErrAuthentication)

	fresh, err := s.GetOrCreate(ctx, "research-bot")
	require.NoError(t, err)
	assert.NotEqual(t, tok, fresh)
}

type failingRepo struct{ *memRepo }

func (*failingRepo) TokenByAgent(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

func TestGetOrCreate_StoreError(t *testing.T) {
	s := NewStore(&failingRepo{memRepo: newMemRepo()}, time.Minute, zap.NewNop())
	_, err := s.GetOrCreate(context.Background(), "research-bot")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

type recordingPublisher struct {
	mu    sync.Mutex
	slugs []string
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, slug string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slugs = append(p.slugs, slug)
	return p.err
}

func TestRevoke_PublishedToOtherInstances(t *testing.T) {
	repo := newMemRepo()
	pub := &recordingPublisher{}
	hub := NewStore(repo, time.Minute, zap.NewNop()).WithPublisher(pub)
	gw := NewStore(repo, time.Minute, zap.NewNop())
	ctx := context.Background()

	tok, err := hub.GetOrCreate(ctx, "research-bot")
	require.NoError(t, err)
	_, err = gw.Validate(ctx, tok)
	require.NoError(t, err)

	require.NoError(t, hub.Revoke(ctx, "research-bot"))
	assert.Equal(t, []string{"research-bot"}, pub.slugs)

	// Подписчик шлюза получает slug и сбрасывает кэш без ожидания TTL
	gw.Evict("research-bot")
	_, err = gw.Validate(ctx, tok)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestRevoke_PublishFailureIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	s := NewStore(newMemRepo(), time.Minute, zap.NewNop()).WithPublisher(pub)
	ctx := context.Background()

	_, err := s.GetOrCreate(ctx, "research-bot")
	require.NoError(t, err)
	assert.NoError(t, s.Revoke(ctx, "research-bot"))
}
