// Package stream связывает единственный поток событий контейнера по сессии
// с произвольным числом наблюдателей и сохраняет события в хранилище.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/domain"
	"github.com/xela07ax/agentfleet/internal/metrics"
)

// EventSource — внутренний поток событий контейнера агента (container.Client).
type EventSource interface {
	Slug() string
	// opened вызывается, когда контейнер принял подписку, fn вызывается для каждого события по порядку.
	Events(ctx context.Context, containerSessionID string, opened func(), fn func(domain.Event)) error
}

var ErrClosed = errors.New("broadcaster is closed")

type SessionStore interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	SetSessionActive(ctx context.Context, id string, active bool) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *domain.Message) error
	UpdateMessageContent(ctx context.Context, id, content string) error
	UpsertToolCall(ctx context.Context, tc *domain.ToolCall) error
	CompleteToolCall(ctx context.Context, sessionID, toolUseID, result string, isError bool) error
}

// Relay доставляет глобальные кадры всем инстансам hub (Redis Pub/Sub).
type Relay interface {
	Publish(ctx context.Context, f domain.Frame) error
}

type Options struct {
	ViewerBuffer   int
	PersistTimeout time.Duration
}

type Broadcaster struct {
	sessions SessionStore
	messages MessageStore
	relay    Relay
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool

	stateMu sync.Mutex
	states  map[string]*sessionState

	topics *RefMap[string, *topic]

	now   func() time.Time
	newID func() string
}

type subscription struct {
	agentSlug          string
	containerSessionID string
	cancel             context.CancelFunc

	ready chan struct{} // Закрывается, когда контейнер принял подписку
	done  chan struct{} // Закрывается по завершении фида, после записи err
	err   error
}

func NewBroadcaster(sessions SessionStore, messages MessageStore, m *metrics.Metrics, logger *zap.Logger, opts Options) *Broadcaster {
	if opts.ViewerBuffer <= 0 {
		opts.ViewerBuffer = 256
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		sessions: sessions,
		messages: messages,
		metrics:  m,
		logger:   logger.With(zap.String("mod", "stream")),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*subscription),
		states:   make(map[string]*sessionState),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	b.topics = NewRefMap(newTopic, func(sessionID string, _ *topic) {
		// Последний наблюдатель ушёл: состояние нужно только живому фиду
		b.forgetIdle(sessionID)
	})
	return b
}

// WithRelay включает межинстансную доставку глобальных событий.
func (b *Broadcaster) WithRelay(r Relay) *Broadcaster {
	b.relay = r
	return b
}

// SubscribeToSession открывает единственную подписку на поток событий сессии и ждёт,
// пока контейнер её примет: всё, что контейнер отправит после возврата, дойдёт до фида.
// Повторный вызов для уже подписанной сессии ждёт ту же подписку. Ожидание ограничено ctx.
func (b *Broadcaster) SubscribeToSession(ctx context.Context, sessionID string, src EventSource, containerSessionID string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	sub, ok := b.subs[sessionID]
	if ok {
		select {
		case <-sub.done:
			// Фид уже закончился, но ещё не убрал свою запись
			delete(b.subs, sessionID)
			b.metrics.ActiveSubscriptions.Dec()
			ok = false
		default:
		}
	}
	if !ok {
		feedCtx, cancel := context.WithCancel(b.ctx)
		sub = &subscription{
			agentSlug:          src.Slug(),
			containerSessionID: containerSessionID,
			cancel:             cancel,
			ready:              make(chan struct{}),
			done:               make(chan struct{}),
		}
		b.subs[sessionID] = sub
		b.metrics.ActiveSubscriptions.Inc()

		b.wg.Add(1)
		go b.feed(feedCtx, sessionID, src, sub)
	}
	b.mu.Unlock()

	select {
	case <-sub.ready:
		return nil
	case <-sub.done:
		// Фид мог открыться и сразу закончиться
		select {
		case <-sub.ready:
			return nil
		default:
		}
		if sub.err != nil {
			return sub.err
		}
		return fmt.Errorf("%w: event feed closed before it opened", domain.ErrUpstreamTransport)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broadcaster) feed(ctx context.Context, sessionID string, src EventSource, sub *subscription) {
	defer b.wg.Done()
	log := b.logger.With(zap.String("session", sessionID), zap.String("agent", sub.agentSlug))
	log.Info("subscribed to container events", zap.String("container_session", sub.containerSessionID))

	var opened sync.Once
	err := src.Events(ctx, sub.containerSessionID, func() {
		opened.Do(func() { close(sub.ready) })
	}, func(ev domain.Event) {
		b.handle(sessionID, ev)
	})
	sub.err = err
	close(sub.done)

	// Запись убирается, чтобы после рестарта контейнера сессию можно было подписать заново
	b.mu.Lock()
	if b.subs[sessionID] == sub {
		delete(b.subs, sessionID)
		b.metrics.ActiveSubscriptions.Dec()
	}
	b.mu.Unlock()
	sub.cancel()

	if err != nil {
		log.Warn("container event feed ended with error", zap.Error(err))
	} else {
		log.Info("container event feed closed")
	}
	b.forgetIdle(sessionID)
}

func (b *Broadcaster) IsSubscribed(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[sessionID]
	return ok
}

// Unsubscribe закрывает фид сессии. Не ждёт завершения горутины фида.
func (b *Broadcaster) Unsubscribe(sessionID string) {
	b.mu.Lock()
	sub, ok := b.subs[sessionID]
	if ok {
		delete(b.subs, sessionID)
		b.metrics.ActiveSubscriptions.Dec()
	}
	b.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// UnsubscribeAgent закрывает все фиды агента (удаление агента) и возвращает их число.
func (b *Broadcaster) UnsubscribeAgent(slug string) int {
	b.mu.Lock()
	var cancels []context.CancelFunc
	for id, sub := range b.subs {
		if sub.agentSlug == slug {
			delete(b.subs, id)
			cancels = append(cancels, sub.cancel)
		}
	}
	b.metrics.ActiveSubscriptions.Sub(float64(len(cancels)))
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Close останавливает все фиды и ждёт их завершения.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.logger.Info("broadcaster stopped")
}

// SaveUserMessage синхронно сохраняет сообщение пользователя. Ошибка фатальна для отправки.
func (b *Broadcaster) SaveUserMessage(ctx context.Context, sessionID, content string) (*domain.Message, error) {
	msg := &domain.Message{
		ID:        b.newID(),
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: b.now(),
	}
	if err := b.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: save user message: %v", domain.ErrPersistence, err)
	}

	b.sendSession(sessionID, domain.Frame{
		Type:      domain.EventMessagesChanged,
		SessionID: sessionID,
		IsActive:  b.isActive(sessionID),
		MessageID: msg.ID,
	})
	return msg, nil
}

// BroadcastGlobal рассылает событие, не привязанное к агенту, всем наблюдателям всех сессий.
func (b *Broadcaster) BroadcastGlobal(ctx context.Context, ev domain.Event) {
	f := domain.Frame{
		Type:    ev.Type,
		Title:   ev.Title,
		Body:    ev.Body,
		Content: ev.Content,
	}
	if f.Type == "" {
		f.Type = domain.EventNotification
	}

	if b.relay != nil {
		err := b.relay.Publish(ctx, f)
		if err == nil {
			// Доставку сделает подписчик relay, в том числе на этом инстансе
			return
		}
		b.logger.Warn("global relay publish failed, delivering locally", zap.Error(err))
	}
	b.DeliverGlobal(f)
}

// DeliverGlobal отдаёт глобальный кадр локальным наблюдателям. isActive у каждого свой.
func (b *Broadcaster) DeliverGlobal(f domain.Frame) {
	f.SessionID = ""
	for _, t := range b.topics.Values() {
		tf := f
		tf.IsActive = b.isActive(t.sessionID)
		b.countDropped(t.send(tf))
	}
}

// Attach регистрирует наблюдателя сессии. release нужно вызвать при отключении.
func (b *Broadcaster) Attach(sessionID string) (*Viewer, func()) {
	t, rel := b.topics.Acquire(sessionID)
	v := &Viewer{SessionID: sessionID, ch: make(chan domain.Frame, b.opts.ViewerBuffer)}
	t.add(v)
	b.metrics.ConnectedViewers.Inc()

	var once sync.Once
	return v, func() {
		once.Do(func() {
			t.remove(v)
			b.metrics.ConnectedViewers.Dec()
			rel()
		})
	}
}

// Snapshot — текущее состояние сессии для первого кадра после (пере)подключения.
func (b *Broadcaster) Snapshot(ctx context.Context, sessionID string) (domain.Frame, error) {
	if st, ok := b.lookupState(sessionID); ok {
		return st.snapshot(sessionID), nil
	}

	sess, err := b.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Frame{}, err
	}

	b.stateMu.Lock()
	st, ok := b.states[sessionID]
	if !ok {
		st = &sessionState{isActive: sess.IsActive}
		b.states[sessionID] = st
	}
	b.stateMu.Unlock()
	return st.snapshot(sessionID), nil
}

func (b *Broadcaster) state(sessionID string) *sessionState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	st, ok := b.states[sessionID]
	if !ok {
		st = &sessionState{}
		b.states[sessionID] = st
	}
	return st
}

func (b *Broadcaster) lookupState(sessionID string) (*sessionState, bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	st, ok := b.states[sessionID]
	return st, ok
}

func (b *Broadcaster) isActive(sessionID string) bool {
	st, ok := b.lookupState(sessionID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.isActive
}

// forgetIdle выбрасывает состояние сессии, у которой нет ни фида, ни наблюдателей.
func (b *Broadcaster) forgetIdle(sessionID string) {
	if b.IsSubscribed(sessionID) {
		return
	}
	if _, ok := b.topics.Get(sessionID); ok {
		return
	}
	b.stateMu.Lock()
	delete(b.states, sessionID)
	b.stateMu.Unlock()
}

func (b *Broadcaster) sendSession(sessionID string, f domain.Frame) {
	t, ok := b.topics.Get(sessionID)
	if !ok {
		return
	}
	b.countDropped(t.send(f))
}

func (b *Broadcaster) countDropped(n int) {
	if n > 0 {
		b.metrics.DroppedFrames.Add(float64(n))
	}
}

func (b *Broadcaster) persistCtx() (context.Context, context.CancelFunc) {
	// Запись не должна обрываться остановкой фида на середине события
	return context.WithTimeout(context.Background(), b.opts.PersistTimeout)
}
