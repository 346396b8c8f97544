// Package events is an in-memory pub/sub bus for device lifecycle and
// load-update notifications, adapted from the teacher's internal/events
// package.
package events

import "sync"

// Kind distinguishes the event classes raised by the registry and
// connection manager (§3, §9: number_of_connections notifications and
// device connect/disconnect transitions).
type Kind string

const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindLoadUpdate   Kind = "load_update"
	KindDeviceEvent  Kind = "device_event"
)

// Event is a single notification raised onto the bus.
type Event struct {
	Kind         Kind
	SerialNumber uint64
	Name         string // device method name for KindDeviceEvent (state, healthcheck, log, ...)
	Payload      []byte // raw JSON for now
}

// Bus is a simple in-memory pub/sub. The registry and the device dispatch
// table publish; the optional upstream bridge subscribes.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus { return &Bus{subs: make(map[int]chan Event)} }

// Subscribe registers a new listener with the given channel buffer depth.
// Cancel unsubscribes and closes the channel; callers must stop reading
// from ch after calling cancel.
func (b *Bus) Subscribe(buffer int) (id int, ch <-chan Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id = b.next
	b.next++
	c := make(chan Event, buffer)
	b.subs[id] = c
	cancel = func() {
		b.mu.Lock()
		if sc, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sc)
		}
		b.mu.Unlock()
	}
	return id, c, cancel
}

// Publish fans e out to every current subscriber. A subscriber with a full
// buffer drops the event rather than blocking the publisher.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount reports the current number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
