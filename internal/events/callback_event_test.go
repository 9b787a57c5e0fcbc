package events

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCallbackEvent(t *testing.T) {
	event := NewCallbackEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
}

func TestCallbackEvent_CalledInRegistrationOrder(t *testing.T) {
	event := NewCallbackEvent[string](false)
	var order []string

	event.Listen(func(v string) { order = append(order, "first:"+v) })
	event.Listen(func(v string) { order = append(order, "second:"+v) })
	event.Listen(func(v string) { order = append(order, "third:"+v) })

	event.Notify("cfg")

	assert.Equal(t, []string{"first:cfg", "second:cfg", "third:cfg"}, order)
}

func TestCallbackEvent_Unregister(t *testing.T) {
	event := NewCallbackEvent[int](false)
	calls := 0
	unregister := event.Listen(func(int) { calls++ })

	event.Notify(1)
	unregister()
	event.Notify(2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, event.ListenerCount())
}

func TestCallbackEvent_NilCallbackPanics(t *testing.T) {
	event := NewCallbackEvent[int](false)
	assert.Panics(t, func() { event.Listen(nil) })
}

func TestCallbackEvent_SendLastEventOnListen(t *testing.T) {
	event := NewCallbackEvent[string](true)

	var got []string
	event.Listen(func(v string) { got = append(got, v) })
	assert.Empty(t, got)

	event.Notify("activo")

	var late []string
	event.Listen(func(v string) { late = append(late, v) })
	assert.Equal(t, []string{"activo"}, late)
	assert.Equal(t, []string{"activo"}, got)
}

func TestCallbackEvent_ListenerMayUnregisterDuringNotify(t *testing.T) {
	event := NewCallbackEvent[int](false)
	var unregister func()
	calls := 0
	unregister = event.Listen(func(int) {
		calls++
		unregister()
	})

	assert.NotPanics(t, func() { event.Notify(1) })
	event.Notify(2)
	assert.Equal(t, 1, calls)
}

func TestCallbackEvent_ConcurrentNotify(t *testing.T) {
	event := NewCallbackEvent[int](false)
	var total atomic.Int64
	event.Listen(func(v int) { total.Add(int64(v)) })

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			event.Notify(v)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(5050), total.Load())
}
