// events.go keeps a per-entry history of connection lifecycle events.
//
// Events are stored in a fixed-size ring buffer per pool key and fanned out to
// subscribers (the websocket event stream, tests). Listeners are called
// synchronously from the emitting goroutine and must not block.

package devicepool

import (
	"sync"
	"time"
)

// eventBufferSize is the maximum number of events retained per entry.
const eventBufferSize = 100

// ConnectionEventType names a lifecycle event.
type ConnectionEventType string

const (
	EventConnected         ConnectionEventType = "connected"
	EventDisconnected      ConnectionEventType = "disconnected"
	EventConnectFailed     ConnectionEventType = "connect_failed"
	EventAuthFailed        ConnectionEventType = "auth_failed"
	EventHealthCheckFailed ConnectionEventType = "health_check_failed"
	EventEvicted           ConnectionEventType = "evicted"
	EventReconnectForced   ConnectionEventType = "reconnect_forced"
)

// ConnectionEvent is one lifecycle event for a pool entry.
type ConnectionEvent struct {
	Key       Key                 `json:"key"`
	Type      ConnectionEventType `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Details   string              `json:"details,omitempty"`
}

// EventListener receives every emitted event.
type EventListener func(ConnectionEvent)

type eventBuffer struct {
	events [eventBufferSize]ConnectionEvent
	head   int
	count  int
}

func (b *eventBuffer) record(ev ConnectionEvent) {
	b.events[b.head] = ev
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

// history returns events oldest first.
func (b *eventBuffer) history() []ConnectionEvent {
	if b.count == 0 {
		return nil
	}
	out := make([]ConnectionEvent, b.count)
	if b.count < eventBufferSize {
		copy(out, b.events[:b.count])
	} else {
		n := copy(out, b.events[b.head:])
		copy(out[n:], b.events[:b.head])
	}
	return out
}

type eventLog struct {
	mu        sync.RWMutex
	buffers   map[Key]*eventBuffer
	listeners map[int]EventListener
	nextID    int
}

func newEventLog() *eventLog {
	return &eventLog{
		buffers:   make(map[Key]*eventBuffer),
		listeners: make(map[int]EventListener),
	}
}

func (el *eventLog) emit(ev ConnectionEvent) {
	el.mu.Lock()
	buf, ok := el.buffers[ev.Key]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[ev.Key] = buf
	}
	buf.record(ev)
	listeners := make([]EventListener, 0, len(el.listeners))
	for _, l := range el.listeners {
		listeners = append(listeners, l)
	}
	el.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (el *eventLog) subscribe(l EventListener) func() {
	el.mu.Lock()
	id := el.nextID
	el.nextID++
	el.listeners[id] = l
	el.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			el.mu.Lock()
			delete(el.listeners, id)
			el.mu.Unlock()
		})
	}
}

func (el *eventLog) get(key Key) []ConnectionEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if buf, ok := el.buffers[key]; ok {
		return buf.history()
	}
	return nil
}

func (p *Pool) emit(key Key, typ ConnectionEventType, details string) {
	p.events.emit(ConnectionEvent{Key: key, Type: typ, Timestamp: p.now(), Details: details})
}

// Subscribe registers l for every future connection event. The returned func unsubscribes
// and is safe to call more than once.
func (p *Pool) Subscribe(l EventListener) (unsubscribe func()) {
	return p.events.subscribe(l)
}

// Events returns the retained event history for key, oldest first.
func (p *Pool) Events(key Key) []ConnectionEvent {
	return p.events.get(key)
}
