package domain

import "time"

type ContainerStatus string

const (
	ContainerRunning  ContainerStatus = "running"
	ContainerStopped  ContainerStatus = "stopped"
	ContainerStarting ContainerStatus = "starting"
)

// ContainerInfo — моментальный снимок состояния контейнера.
// Никогда не кэшируется: источник истины: рантайм.
type ContainerInfo struct {
	Status ContainerStatus `json:"status"`
	Port   *int            `json:"port,omitempty"`
}

type Session struct {
	ID                 string    `json:"id"`
	AgentSlug          string    `json:"agent_slug"`
	ContainerSessionID string    `json:"container_session_id,omitempty"` // Сессия внутри контейнера (create/resume)
	IsActive           bool      `json:"is_active"`                      // Ожидаем ответа агента
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallDone    ToolCallStatus = "done"
)

// ToolCall связывает вызов инструмента с сообщением ассистента.
type ToolCall struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	MessageID string         `json:"message_id,omitempty"`
	ToolUseID string         `json:"tool_use_id"`
	Name      string         `json:"name"`
	Input     string         `json:"input"` // JSON аргументов инструмента
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error"`
	Status    ToolCallStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
