package events

import (
	"context"
	"sync"
)

// ChannelEvent fans a value out to any number of listener channels.
// Sends never block: a listener whose buffer is full misses that value.
type ChannelEvent[T any] struct {
	mu                    sync.RWMutex
	channels              map[uint64]chan<- T
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             T
	hasNotified           bool
}

// NewChannelEvent creates a new ChannelEvent.
// With sendLastEventOnListen set, the most recent value is replayed to every
// new listener once Notify has been called at least once.
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels:              make(map[uint64]chan<- T),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers ch and returns the function that removes it again.
// The caller owns ch; it is never closed by the event.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	if e.sendLastEventOnListen && e.hasNotified {
		select {
		case ch <- e.lastEvent:
		default:
		}
	}
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.channels, id)
		e.mu.Unlock()
	}
}

// Subscribe returns a channel that receives values until ctx is done, at which
// point the listener is removed and the channel closed. Subscribing again after
// that yields a fresh stream.
func (e *ChannelEvent[T]) Subscribe(ctx context.Context, buffer int) <-chan T {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)
	unregister := e.Listen(ch)
	go func() {
		<-ctx.Done()
		unregister()
		close(ch)
	}()
	return ch
}

// Notify delivers value to every registered channel.
// Sends happen under the read lock so that once a deregistration function has
// returned, nothing is sent to that channel any more.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.sendLastEventOnListen {
		e.lastEvent = value
		e.hasNotified = true
	}
	e.mu.Unlock()

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.channels {
		select {
		case ch <- value:
		default:
		}
	}
}

// Last returns the value of the most recent Notify, if one is retained.
func (e *ChannelEvent[T]) Last() (T, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastEvent, e.hasNotified
}

// ListenerCount returns the current number of registered listeners
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}
