package stream

import (
	"strings"
	"sync"

	"github.com/xela07ax/agentfleet/internal/domain"
)

// sessionState — то, что hub помнит о текущем ходе агента в сессии.
// Мутирует только горутина фида сессии, Snapshot читает параллельно.
type sessionState struct {
	mu       sync.Mutex
	isActive bool
	text     strings.Builder

	// Сообщение ассистента текущего хода. Создаётся лениво: при первом tool_call или на stream_end.
	messageID      string
	messageCreated bool

	toolUseID string
	toolName  string
	toolInput string
}

func (s *sessionState) resetTurn() {
	s.text.Reset()
	s.messageID = ""
	s.messageCreated = false
	s.resetTool()
}

func (s *sessionState) resetTool() {
	s.toolUseID = ""
	s.toolName = ""
	s.toolInput = ""
}

func (s *sessionState) snapshot(sessionID string) domain.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Frame{
		Type:         domain.EventConnected,
		SessionID:    sessionID,
		IsActive:     s.isActive,
		Content:      s.text.String(),
		MessageID:    s.messageID,
		ToolUseID:    s.toolUseID,
		ToolName:     s.toolName,
		PartialInput: s.toolInput,
	}
}

// mergeFragment сливает очередной фрагмент JSON аргументов инструмента с буфером.
// Обычный фрагмент является приращением и дописывается в конец, даже если совпадает
// с началом буфера. Снимок (snapshot) заменяет буфер, но обрезанный снимок его не укорачивает.
func mergeFragment(buf, frag string, snapshot bool) string {
	switch {
	case frag == "":
		return buf
	case !snapshot:
		return buf + frag
	case len(frag) < len(buf):
		return buf
	default:
		return frag
	}
}
