package domain

import "time"

type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthOAuth  AuthType = "oauth"
	AuthBearer AuthType = "bearer" // Статический токен без refresh
)

type RemoteStatus string

const (
	RemoteActive       RemoteStatus = "active"
	RemoteAuthRequired RemoteStatus = "auth_required"
)

// RemoteServer — внешний MCP-сервер, к которому агенты ходят через шлюз.
// Связь с агентами many-to-many (таблица agent_remote_mcps).
type RemoteServer struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	URL                string       `json:"url"`
	AuthType           AuthType     `json:"auth_type"`
	AccessToken        string       `json:"-"`
	RefreshToken       string       `json:"-"`
	TokenExpiresAt     *time.Time   `json:"token_expires_at,omitempty"`
	OAuthTokenEndpoint string       `json:"oauth_token_endpoint,omitempty"`
	OAuthClientID      string       `json:"oauth_client_id,omitempty"`
	OAuthClientSecret  string       `json:"-"`
	OAuthResource      string       `json:"oauth_resource,omitempty"`
	Status             RemoteStatus `json:"status"`
	ErrorMessage       string       `json:"error_message,omitempty"`
}

// RequiresAuth сообщает, нужно ли подставлять учётные данные в запрос.
func (s *RemoteServer) RequiresAuth() bool {
	return s.AuthType != "" && s.AuthType != AuthNone
}

// TokenExpired — истёк ли access token на момент now. Токен без срока действия не истекает.
func (s *RemoteServer) TokenExpired(now time.Time) bool {
	return s.TokenExpiresAt != nil && !now.Before(*s.TokenExpiresAt)
}

// CanRefresh — есть ли всё необходимое для refresh_token grant.
func (s *RemoteServer) CanRefresh() bool {
	return s.RefreshToken != "" && s.OAuthTokenEndpoint != ""
}

// TokenSet — результат успешного обновления токена.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// ProxyToken — bearer, которым контейнер агента представляется шлюзу.
type ProxyToken struct {
	AgentSlug string    `json:"agent_slug"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry — неизменяемая запись о проксированном вызове.
type AuditEntry struct {
	ID            string    `json:"id"`
	TraceID       string    `json:"trace_id"`
	AgentSlug     string    `json:"agent_slug"`
	RemoteMcpID   string    `json:"remote_mcp_id"`
	RemoteMcpName string    `json:"remote_mcp_name"`
	Method        string    `json:"method"`       // HTTP метод
	RequestPath   string    `json:"request_path"` // Хвост пути, ушедший на upstream
	MethodInfo    string    `json:"method_info"`  // JSON-RPC метод (и инструмент для tools/call)
	StatusCode    int       `json:"status_code"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}
