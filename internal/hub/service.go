// Package hub — API для людей: отправка сообщений агентам, прерывание хода,
// управление контейнерами и поток событий сессии по SSE.
package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/audit"
	"github.com/xela07ax/agentfleet/internal/container"
	"github.com/xela07ax/agentfleet/internal/domain"
	"github.com/xela07ax/agentfleet/internal/stream"
)

type SessionStore interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	CreateSession(ctx context.Context, s *domain.Session) error
	ListSessionsByAgent(ctx context.Context, agentSlug string) ([]domain.Session, error)
	// SetContainerSession сохраняет id внутренней сессии контейнера.
	SetContainerSession(ctx context.Context, id, containerSessionID string) error
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	ListToolCalls(ctx context.Context, sessionID string) ([]domain.ToolCall, error)
}

// ServerCatalog — внешние MCP-серверы, назначенные агенту. Токены наружу не отдаются (json:"-").
type ServerCatalog interface {
	ListServersForAgent(ctx context.Context, agentSlug string) ([]domain.RemoteServer, error)
}

type TokenRevoker interface {
	Revoke(ctx context.Context, agentSlug string) error
}

type AuditReader interface {
	FetchLogs(ctx context.Context, q audit.Query) ([]domain.AuditEntry, error)
}

type ServiceOptions struct {
	StartAttempts uint
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

type Service struct {
	sessions   SessionStore
	servers    ServerCatalog
	containers *container.Manager
	stream     *stream.Broadcaster
	tokens     TokenRevoker
	logger     *zap.Logger
	opts       ServiceOptions
}

func NewService(sessions SessionStore, servers ServerCatalog, containers *container.Manager, b *stream.Broadcaster, tokens TokenRevoker, logger *zap.Logger, opts ServiceOptions) *Service {
	if opts.StartAttempts == 0 {
		opts.StartAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 5 * time.Second
	}
	return &Service{
		sessions:   sessions,
		servers:    servers,
		containers: containers,
		stream:     b,
		tokens:     tokens,
		logger:     logger.With(zap.String("mod", "hub")),
		opts:       opts,
	}
}

// StartSession заводит новый разговор с агентом. Контейнер не трогается до первого сообщения.
func (s *Service) StartSession(ctx context.Context, slug string) (*domain.Session, error) {
	sess := &domain.Session{ID: uuid.NewString(), AgentSlug: slug}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: create session: %v", domain.ErrPersistence, err)
	}
	s.logger.Info("session started", zap.String("session", sess.ID), zap.String("agent", slug))
	return sess, nil
}

func (s *Service) Sessions(ctx context.Context, slug string) ([]domain.Session, error) {
	return s.sessions.ListSessionsByAgent(ctx, slug)
}

func (s *Service) Servers(ctx context.Context, slug string) ([]domain.RemoteServer, error) {
	return s.servers.ListServersForAgent(ctx, slug)
}

// SendMessage сохраняет сообщение пользователя и доставляет его в контейнер агента,
// при необходимости запуская контейнер, создавая внутреннюю сессию и подписку на её события.
// Неудача сохранения фатальна: без записи в истории сообщение не уходит.
func (s *Service) SendMessage(ctx context.Context, sessionID, content string) (*domain.Message, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("session", sessionID), zap.String("agent", sess.AgentSlug))

	msg, err := s.stream.SaveUserMessage(ctx, sessionID, content)
	if err != nil {
		return nil, err
	}

	client, err := s.ensureRunning(ctx, sess.AgentSlug)
	if err != nil {
		log.Error("agent container is not available", zap.Error(err))
		return msg, err
	}

	err = s.deliver(ctx, sess, client, content)
	if errors.Is(err, container.ErrSessionGone) {
		// Контейнер перезапускался и забыл сессию: заводим новую и переподписываемся
		log.Warn("container session is gone, recreating", zap.String("container_session", sess.ContainerSessionID))
		s.stream.Unsubscribe(sessionID)
		sess.ContainerSessionID = ""
		err = s.deliver(ctx, sess, client, content)
	}
	if err != nil {
		log.Error("failed to forward message to container", zap.Error(err))
		return msg, err
	}
	return msg, nil
}

// deliver подписывается на события сессии контейнера и только после открытия потока
// отправляет сообщение, чтобы ранние события ответа не потерялись.
func (s *Service) deliver(ctx context.Context, sess *domain.Session, client *container.Client, content string) error {
	csid, err := s.containerSession(ctx, sess, client)
	if err != nil {
		return err
	}
	if err := s.stream.SubscribeToSession(ctx, sess.ID, client, csid); err != nil {
		return fmt.Errorf("subscribe to container session: %w", err)
	}
	return client.SendMessage(ctx, csid, content)
}

// ensureRunning — повтор запуска на стороне вызывающего. Manager сам не повторяет.
func (s *Service) ensureRunning(ctx context.Context, slug string) (*container.Client, error) {
	var client *container.Client
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.opts.StartAttempts),
		retry.Delay(s.opts.RetryDelay),
		retry.MaxDelay(s.opts.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("container start attempt failed", zap.String("agent", slug), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(func() error {
		c, err := s.containers.EnsureRunning(ctx, slug)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Service) containerSession(ctx context.Context, sess *domain.Session, client *container.Client) (string, error) {
	if sess.ContainerSessionID != "" {
		return sess.ContainerSessionID, nil
	}
	csid, err := client.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	if err := s.sessions.SetContainerSession(ctx, sess.ID, csid); err != nil {
		return "", fmt.Errorf("%w: save container session: %v", domain.ErrPersistence, err)
	}
	sess.ContainerSessionID = csid
	return csid, nil
}

// Interrupt доступен всегда: без внутренней сессии или запущенного контейнера прерывать нечего.
func (s *Service) Interrupt(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ContainerSessionID == "" {
		return nil
	}
	err = s.containers.GetClient(sess.AgentSlug).Interrupt(ctx, sess.ContainerSessionID)
	if errors.Is(err, domain.ErrContainerNotRunning) || errors.Is(err, container.ErrSessionGone) {
		s.logger.Debug("nothing to interrupt", zap.String("session", sessionID), zap.Error(err))
		return nil
	}
	return err
}

// History — сохранённые сообщения и вызовы инструментов сессии.
func (s *Service) History(ctx context.Context, sessionID string) ([]domain.Message, []domain.ToolCall, error) {
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	msgs, err := s.sessions.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	calls, err := s.sessions.ListToolCalls(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return msgs, calls, nil
}

func (s *Service) ContainerInfo(ctx context.Context, slug string) (domain.ContainerInfo, error) {
	info, err := s.containers.GetClient(slug).Info(ctx)
	if err != nil {
		return domain.ContainerInfo{}, fmt.Errorf("%w: %v", domain.ErrUpstreamTransport, err)
	}
	return info, nil
}

// StopContainer останавливает контейнер; подписки сессий агента закрываются.
func (s *Service) StopContainer(ctx context.Context, slug string) error {
	if err := s.containers.Stop(ctx, slug); err != nil {
		return fmt.Errorf("%w: stop container: %v", domain.ErrUpstreamTransport, err)
	}
	n := s.stream.UnsubscribeAgent(slug)
	s.logger.Info("container stopped", zap.String("agent", slug), zap.Int("subscriptions_closed", n))
	return nil
}

// TeardownRuntime полностью выводит агента из работы: контейнер, подписки, клиент и proxy-токен.
// Шаги выполняются все, даже если какой-то из них упал.
func (s *Service) TeardownRuntime(ctx context.Context, slug string) error {
	var errs []error
	if err := s.containers.Stop(ctx, slug); err != nil {
		errs = append(errs, fmt.Errorf("%w: stop container: %v", domain.ErrUpstreamTransport, err))
	}
	s.stream.UnsubscribeAgent(slug)
	s.containers.RemoveClient(slug)
	if err := s.tokens.Revoke(ctx, slug); err != nil {
		errs = append(errs, fmt.Errorf("%w: revoke proxy token: %v", domain.ErrPersistence, err))
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("runtime teardown incomplete", zap.String("agent", slug), zap.Error(err))
		return err
	}
	s.logger.Info("runtime torn down", zap.String("agent", slug))
	return nil
}

func (s *Service) Notify(ctx context.Context, title, body string) {
	s.stream.BroadcastGlobal(ctx, domain.Event{Type: domain.EventNotification, Title: title, Body: body})
}
