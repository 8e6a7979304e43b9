package wsstream

import (
	"sync"
)

type callback[T any] func(T)

// EventEmitterCallback maps events (of type K) to callbacks receiving a value of type V.
// Registry uses it for register/unregister notifications and RetryDialer for retry
// notifications.
type EventEmitterCallback[K comparable, V any] struct {
	listeners map[K][]callback[V]
	lock      sync.RWMutex
}

func NewEventEmitter[K comparable, V any]() *EventEmitterCallback[K, V] {
	return &EventEmitterCallback[K, V]{
		listeners: make(map[K][]callback[V]),
	}
}

// On registers a new listener for the given event.
func (e *EventEmitterCallback[K, V]) On(event K, listener callback[V]) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners[event] = append(e.listeners[event], listener)
}

// Emit calls every listener of event in registration order and returns once all of them
// have returned. The listener list is read before the first call, so listeners may use the
// emitter; a listener registered from within a callback runs from the next Emit on.
func (e *EventEmitterCallback[K, V]) Emit(event K, data V) {
	e.lock.RLock()
	listeners := e.listeners[event]
	e.lock.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}

// Listeners returns how many listeners are registered for event.
func (e *EventEmitterCallback[K, V]) Listeners(event K) int {
	e.lock.RLock()
	defer e.lock.RUnlock()

	return len(e.listeners[event])
}

// Close removes every listener.
func (e *EventEmitterCallback[K, V]) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners = make(map[K][]callback[V])
}
