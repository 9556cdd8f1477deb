package stream

import (
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/domain"
)

// handle обрабатывает одно событие фида: обновляет состояние сессии, сохраняет что нужно
// и рассылает кадры. Вызывается только из горутины фида, поэтому события сессии идут по порядку.
// Ошибка записи логируется и не мешает рассылке.
func (b *Broadcaster) handle(sessionID string, ev domain.Event) {
	st := b.state(sessionID)
	log := b.logger.With(zap.String("session", sessionID), zap.String("event", string(ev.Type)))

	st.mu.Lock()
	wasActive := st.isActive
	switch {
	case ev.IsActive != nil:
		st.isActive = *ev.IsActive
	case ev.Type == domain.EventSessionActive, ev.Type == domain.EventStreamStart:
		st.isActive = true
	case ev.Type == domain.EventSessionIdle:
		st.isActive = false
	}

	frame := domain.Frame{
		Type:         ev.Type,
		SessionID:    sessionID,
		Delta:        ev.Delta,
		Content:      ev.Content,
		ToolUseID:    ev.ToolUseID,
		ToolName:     ev.ToolName,
		PartialInput: ev.PartialInput,
		MessageID:    ev.MessageID,
		Title:        ev.Title,
		Body:         ev.Body,
	}

	var persist func() error
	changed := false

	switch ev.Type {
	case domain.EventStreamStart:
		st.resetTurn()
		st.messageID = b.newID()
		frame.MessageID = st.messageID

	case domain.EventStreamDelta:
		st.text.WriteString(ev.Delta)
		frame.MessageID = st.messageID

	case domain.EventToolUseStart:
		st.resetTool()
		st.toolUseID = ev.ToolUseID
		st.toolName = ev.ToolName

	case domain.EventToolUseStreaming:
		if ev.ToolUseID != "" && ev.ToolUseID != st.toolUseID {
			st.resetTool()
			st.toolUseID = ev.ToolUseID
		}
		if ev.ToolName != "" {
			st.toolName = ev.ToolName
		}
		st.toolInput = mergeFragment(st.toolInput, ev.PartialInput, ev.InputSnapshot)
		frame.ToolUseID = st.toolUseID
		frame.ToolName = st.toolName
		frame.PartialInput = st.toolInput

	case domain.EventToolUseReady:
		st.resetTool()

	case domain.EventToolCall:
		persist = b.toolCallWriter(st, sessionID, ev)
		frame = domain.Frame{Type: domain.EventMessagesChanged, SessionID: sessionID, MessageID: st.messageID, ToolUseID: ev.ToolUseID}
		changed = true

	case domain.EventToolResult:
		toolUseID, result, isErr := ev.ToolUseID, ev.Result, ev.IsError
		persist = func() error {
			ctx, cancel := b.persistCtx()
			defer cancel()
			return b.messages.CompleteToolCall(ctx, sessionID, toolUseID, result, isErr)
		}
		frame = domain.Frame{Type: domain.EventMessagesChanged, SessionID: sessionID, MessageID: st.messageID, ToolUseID: toolUseID}
		changed = true

	case domain.EventStreamEnd:
		persist = b.assistantWriter(st, sessionID, ev.Content)
		frame.MessageID = st.messageID
		changed = persist != nil
		st.resetTurn()
	}

	active := st.isActive
	st.mu.Unlock()

	if active != wasActive {
		ctx, cancel := b.persistCtx()
		if err := b.sessions.SetSessionActive(ctx, sessionID, active); err != nil {
			b.metrics.PersistFailures.WithLabelValues("session_state").Inc()
			log.Error("failed to persist session state", zap.Bool("is_active", active), zap.Error(err))
		}
		cancel()
	}

	if persist != nil {
		if err := persist(); err != nil {
			b.metrics.PersistFailures.WithLabelValues(string(ev.Type)).Inc()
			log.Error("failed to persist stream event", zap.Error(err))
		}
	}

	frame.IsActive = active
	b.sendSession(sessionID, frame)

	// Наблюдатели перечитывают список сообщений по этому сигналу
	if ev.Type == domain.EventStreamEnd && changed {
		b.sendSession(sessionID, domain.Frame{
			Type:      domain.EventMessagesChanged,
			SessionID: sessionID,
			IsActive:  active,
			MessageID: frame.MessageID,
		})
	}
}

// toolCallWriter готовит запись вызова инструмента. Вызов привязывается к сообщению
// ассистента текущего хода, которое при необходимости создаётся первым. Держит st.mu.
func (b *Broadcaster) toolCallWriter(st *sessionState, sessionID string, ev domain.Event) func() error {
	if st.messageID == "" {
		st.messageID = b.newID()
	}
	input := ev.Input
	if input == "" && ev.ToolUseID == st.toolUseID {
		input = st.toolInput
	}

	now := b.now()
	msg := &domain.Message{
		ID:        st.messageID,
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   st.text.String(),
		CreatedAt: now,
	}
	needMessage := !st.messageCreated
	tc := &domain.ToolCall{
		ID:        b.newID(),
		SessionID: sessionID,
		MessageID: st.messageID,
		ToolUseID: ev.ToolUseID,
		Name:      ev.ToolName,
		Input:     input,
		Status:    domain.ToolCallPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	return func() error {
		ctx, cancel := b.persistCtx()
		defer cancel()
		if needMessage {
			if err := b.messages.CreateMessage(ctx, msg); err != nil {
				return err
			}
			b.markCreated(st, msg.ID)
		}
		return b.messages.UpsertToolCall(ctx, tc)
	}
}

// assistantWriter готовит запись итогового текста хода. nil: сохранять нечего. Держит st.mu.
func (b *Broadcaster) assistantWriter(st *sessionState, sessionID, fallback string) func() error {
	content := st.text.String()
	if content == "" {
		content = fallback
	}
	id, created := st.messageID, st.messageCreated

	switch {
	case created:
		return func() error {
			ctx, cancel := b.persistCtx()
			defer cancel()
			return b.messages.UpdateMessageContent(ctx, id, content)
		}
	case content != "":
		if id == "" {
			id = b.newID()
			st.messageID = id
		}
		msg := &domain.Message{
			ID:        id,
			SessionID: sessionID,
			Role:      domain.RoleAssistant,
			Content:   content,
			CreatedAt: b.now(),
		}
		return func() error {
			ctx, cancel := b.persistCtx()
			defer cancel()
			return b.messages.CreateMessage(ctx, msg)
		}
	default:
		return nil
	}
}

func (b *Broadcaster) markCreated(st *sessionState, messageID string) {
	st.mu.Lock()
	if st.messageID == messageID {
		st.messageCreated = true
	}
	st.mu.Unlock()
}
