package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agentfleet"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanGlobalEvents — глобальные события (уведомления ОС и т.п.) для всех инстансов hub.
	RedisChanGlobalEvents = RedisNamespace + ":events:global"
)

// Каналы Pub/Sub (управление)
const (
	// RedisChanTokenRevoked — slug агента, чей proxy-токен отозван. Шлюзы сбрасывают кэш сразу, не дожидаясь TTL.
	RedisChanTokenRevoked = RedisNamespace + ":tokens:revoked"
)
