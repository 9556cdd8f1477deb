package stream

import "sync"

// RefMap — карта ресурсов со счётчиком ссылок: первый Acquire открывает ресурс,
// последний release закрывает его и удаляет ключ.
type RefMap[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*refEntry[V]
	open    func(K) V
	close   func(K, V)
}

type refEntry[V any] struct {
	val  V
	refs int
}

func NewRefMap[K comparable, V any](open func(K) V, close func(K, V)) *RefMap[K, V] {
	return &RefMap[K, V]{
		entries: make(map[K]*refEntry[V]),
		open:    open,
		close:   close,
	}
}

// Acquire возвращает ресурс по ключу и функцию освобождения. Повторный вызов release: no-op.
func (m *RefMap[K, V]) Acquire(key K) (V, func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &refEntry[V]{val: m.open(key)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	var once sync.Once
	return e.val, func() {
		once.Do(func() { m.release(key, e) })
	}
}

func (m *RefMap[K, V]) release(key K, e *refEntry[V]) {
	m.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if last && m.close != nil {
		m.close(key, e.val)
	}
}

// Get возвращает ресурс без захвата ссылки.
func (m *RefMap[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Values — снимок открытых ресурсов.
func (m *RefMap[K, V]) Values() []V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]V, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.val)
	}
	return out
}

func (m *RefMap[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
