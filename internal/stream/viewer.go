package stream

import (
	"sync"

	"github.com/xela07ax/agentfleet/internal/domain"
)

// Viewer — одно подключение наблюдателя. Кадры приходят в буферизованный канал;
// если наблюдатель не успевает, кадры для него выбрасываются.
type Viewer struct {
	SessionID string
	ch        chan domain.Frame
}

func (v *Viewer) Frames() <-chan domain.Frame { return v.ch }

// topic — наблюдатели одной сессии.
type topic struct {
	sessionID string

	mu      sync.RWMutex
	viewers map[*Viewer]struct{}
}

func newTopic(sessionID string) *topic {
	return &topic{sessionID: sessionID, viewers: make(map[*Viewer]struct{})}
}

func (t *topic) add(v *Viewer) {
	t.mu.Lock()
	t.viewers[v] = struct{}{}
	t.mu.Unlock()
}

// remove отписывает наблюдателя и закрывает его канал.
// Отправка идёт под RLock, поэтому close не гоняется с send.
func (t *topic) remove(v *Viewer) {
	t.mu.Lock()
	if _, ok := t.viewers[v]; ok {
		delete(t.viewers, v)
		close(v.ch)
	}
	t.mu.Unlock()
}

// send рассылает кадр без блокировки и возвращает число выброшенных доставок.
func (t *topic) send(f domain.Frame) (dropped int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for v := range t.viewers {
		select {
		case v.ch <- f:
		default:
			dropped++
		}
	}
	return dropped
}

func (t *topic) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.viewers)
}
