package events

import (
	"sort"
	"sync"
)

// CallbackEvent calls registered functions synchronously on the notifying
// goroutine, in registration order.
type CallbackEvent[T any] struct {
	mu                    sync.RWMutex
	listeners             map[uint64]func(T)
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             T
	hasNotified           bool
}

// NewCallbackEvent creates a new CallbackEvent instance.
// With sendLastEventOnListen set, a new listener is called straight away with
// the most recent value once Notify has been called at least once.
func NewCallbackEvent[T any](sendLastEventOnListen bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{
		listeners:             make(map[uint64]func(T)),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers callback and returns the function that removes it.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = callback
	replay := e.sendLastEventOnListen && e.hasNotified
	last := e.lastEvent
	e.mu.Unlock()

	// outside the lock, the callback may call back into the event
	if replay {
		callback(last)
	}

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Notify calls all registered listener callbacks with value.
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.sendLastEventOnListen {
		e.lastEvent = value
		e.hasNotified = true
	}
	ids := make([]uint64, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	callbacks := make([]func(T), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, e.listeners[id])
	}
	e.mu.Unlock()

	for _, callback := range callbacks {
		callback(value)
	}
}

// ListenerCount returns the current number of registered listeners
func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
