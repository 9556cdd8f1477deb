// Package runtime описывает контракт адаптера среды исполнения контейнеров агентов.
package runtime

import (
	"context"

	"github.com/xela07ax/agentfleet/internal/domain"
)

// Runtime запускает, останавливает и инспектирует изолированный процесс агента,
// который отдаёт HTTP API и поток событий на динамически назначенном порту.
type Runtime interface {
	// Start поднимает контейнер агента. Повторный вызов для работающего контейнера: no-op.
	Start(ctx context.Context, slug string) error

	// Stop останавливает и удаляет контейнер. Отсутствующий контейнер: не ошибка.
	Stop(ctx context.Context, slug string) error

	// Info возвращает текущее состояние контейнера, запрашивая его у среды исполнения.
	Info(ctx context.Context, slug string) (domain.ContainerInfo, error)

	// Host — адрес, на котором опубликованы порты контейнеров.
	Host() string
}

// TokenIssuer выдаёт контейнеру bearer для обратных вызовов через шлюз.
type TokenIssuer interface {
	GetOrCreate(ctx context.Context, agentSlug string) (string, error)
}
