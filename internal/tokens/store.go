// Package tokens выдаёт и проверяет bearer-токены, которыми контейнеры агентов
// представляются шлюзу.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xela07ax/agentfleet/internal/domain"
)

const tokenBytes = 32

// Repository — хранилище связки агент -> токен. Одна строка на агента.
type Repository interface {
	// TokenByAgent возвращает domain.ErrNotFound, если токена нет.
	TokenByAgent(ctx context.Context, agentSlug string) (string, error)
	// AgentByToken возвращает domain.ErrNotFound для неизвестного токена.
	AgentByToken(ctx context.Context, token string) (string, error)
	// InsertToken возвращает domain.ErrConflict, если у агента уже есть токен.
	InsertToken(ctx context.Context, agentSlug, token string) error
	DeleteToken(ctx context.Context, agentSlug string) error
}

type cached struct {
	slug    string
	expires time.Time
}

type Store struct {
	repo   Repository
	pub    Publisher // nil: отзыв виден другим инстансам только по истечении TTL
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time

	create singleflight.Group

	mu    sync.RWMutex
	cache map[string]cached // token -> agent
}

// NewStore. cacheTTL ограничивает, сколько живёт положительный результат Validate
// на инстансе, который не видел Revoke.
func NewStore(repo Repository, cacheTTL time.Duration, logger *zap.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logger.With(zap.String("mod", "tokens")),
		ttl:    cacheTTL,
		now:    time.Now,
		cache:  make(map[string]cached),
	}
}

// WithPublisher включает рассылку отзывов другим инстансам.
func (s *Store) WithPublisher(p Publisher) *Store {
	s.pub = p
	return s
}

// GetOrCreate возвращает токен агента, выпуская новый при первом обращении.
// Гонку первой вставки между инстансами разрешает повторное чтение после ErrConflict.
func (s *Store) GetOrCreate(ctx context.Context, agentSlug string) (string, error) {
	v, err, _ := s.create.Do(agentSlug, func() (any, error) {
		return s.getOrCreate(ctx, agentSlug)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) getOrCreate(ctx context.Context, agentSlug string) (string, error) {
	token, err := s.repo.TokenByAgent(ctx, agentSlug)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("read proxy token: %w", err)
	}

	token, err = generate()
	if err != nil {
		return "", err
	}

	err = s.repo.InsertToken(ctx, agentSlug, token)
	switch {
	case err == nil:
		s.logger.Info("proxy token issued", zap.String("agent", agentSlug))
		return token, nil
	case errors.Is(err, domain.ErrConflict):
		// Кто-то успел первым: его токен и есть токен агента
		existing, rerr := s.repo.TokenByAgent(ctx, agentSlug)
		if rerr != nil {
			return "", fmt.Errorf("re-read proxy token after conflict: %w", rerr)
		}
		return existing, nil
	default:
		return "", fmt.Errorf("insert proxy token: %w", err)
	}
}

// Validate возвращает slug агента для токена. Неизвестный токен: domain.ErrAuthentication.
func (s *Store) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrAuthentication
	}

	s.mu.RLock()
	c, ok := s.cache[token]
	s.mu.RUnlock()
	if ok && s.now().Before(c.expires) {
		return c.slug, nil
	}

	slug, err := s.repo.AgentByToken(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		s.forget(token)
		return "", domain.ErrAuthentication
	}
	if err != nil {
		return "", fmt.Errorf("lookup proxy token: %w", err)
	}

	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[token] = cached{slug: slug, expires: s.now().Add(s.ttl)}
		s.mu.Unlock()
	}
	return slug, nil
}

// Revoke удаляет токен агента (удаление агента).
func (s *Store) Revoke(ctx context.Context, agentSlug string) error {
	if err := s.repo.DeleteToken(ctx, agentSlug); err != nil {
		return fmt.Errorf("delete proxy token: %w", err)
	}

	s.Evict(agentSlug)

	if s.pub != nil {
		// Токен из базы уже удалён: без рассылки чужие кэши доживут до TTL
		if err := s.pub.Publish(ctx, agentSlug); err != nil {
			s.logger.Warn("failed to publish revocation", zap.String("agent", agentSlug), zap.Error(err))
		}
	}
	s.logger.Info("proxy token revoked", zap.String("agent", agentSlug))
	return nil
}

// Evict убирает из кэша все токены агента. Вызывается и подписчиком отзывов.
func (s *Store) Evict(agentSlug string) {
	s.mu.Lock()
	for token, c := range s.cache {
		if c.slug == agentSlug {
			delete(s.cache, token)
		}
	}
	s.mu.Unlock()
}

func (s *Store) forget(token string) {
	s.mu.Lock()
	delete(s.cache, token)
	s.mu.Unlock()
}

func generate() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate proxy token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
