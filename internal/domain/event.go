package domain

type EventType string

// События внутреннего потока контейнера.
const (
	EventConnected        EventType = "connected"
	EventSessionActive    EventType = "session_active"
	EventSessionIdle      EventType = "session_idle"
	EventStreamStart      EventType = "stream_start"
	EventStreamDelta      EventType = "stream_delta"
	EventToolUseStart     EventType = "tool_use_start"
	EventToolUseStreaming EventType = "tool_use_streaming"
	EventToolUseReady     EventType = "tool_use_ready"
	EventStreamEnd        EventType = "stream_end"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
)

// Кадры, которые порождает сам hub.
const (
	EventMessagesChanged EventType = "messages_changed"
	EventNotification    EventType = "notification"
	EventHeartbeat       EventType = "heartbeat"
)

// Event — событие из потока контейнера. IsActive авторитетен:
// если поле пришло, оно перекрывает известное состояние сессии.
type Event struct {
	Type          EventType `json:"type"`
	IsActive      *bool     `json:"isActive,omitempty"`
	Delta         string    `json:"delta,omitempty"`
	Content       string    `json:"content,omitempty"`
	ToolUseID     string    `json:"toolUseId,omitempty"`
	ToolName      string    `json:"toolName,omitempty"`
	PartialInput  string    `json:"partialInput,omitempty"`
	// InputSnapshot: PartialInput содержит весь накопленный ввод, а не приращение.
	InputSnapshot bool      `json:"inputSnapshot,omitempty"`
	Input         string    `json:"input,omitempty"`
	Result        string    `json:"result,omitempty"`
	IsError       bool      `json:"isError,omitempty"`
	MessageID     string    `json:"messageId,omitempty"`
	Title         string    `json:"title,omitempty"`
	Body          string    `json:"body,omitempty"`
}

// Frame — кадр, уходящий наблюдателю по SSE. isActive присутствует всегда.
type Frame struct {
	Type         EventType `json:"type"`
	SessionID    string    `json:"sessionId,omitempty"`
	IsActive     bool      `json:"isActive"`
	Delta        string    `json:"delta,omitempty"`
	Content      string    `json:"content,omitempty"`
	ToolUseID    string    `json:"toolUseId,omitempty"`
	ToolName     string    `json:"toolName,omitempty"`
	PartialInput string    `json:"partialInput,omitempty"`
	MessageID    string    `json:"messageId,omitempty"`
	Title        string    `json:"title,omitempty"`
	Body         string    `json:"body,omitempty"`
}

func Bool(v bool) *bool { return &v }
