package bus

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"realtime-gateway/domain"
)

// Listener receives published events. Implementations must not block for long:
// they run on the publisher's goroutine.
type Listener interface {
	HandleEvent(ev domain.DomainEvent)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev domain.DomainEvent)

func (f ListenerFunc) HandleEvent(ev domain.DomainEvent) { f(ev) }

// ListenerID identifies a registration for Unsubscribe.
type ListenerID uint64

type registration struct {
	id       ListenerID
	listener Listener
}

// Bus is the process-wide publish point between mutation hooks and the gateway.
type Bus struct {
	logger *log.Logger

	mu        sync.RWMutex
	listeners []registration
	nextID    ListenerID

	seq atomic.Uint64
}

// New creates an empty bus.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Bus{logger: logger}
}

// Subscribe registers l and returns the id used to remove it.
func (b *Bus) Subscribe(l Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners = append(b.listeners, registration{id: b.nextID, listener: l})
	return b.nextID
}

// Unsubscribe removes a listener. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.listeners {
		if r.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish stamps ev and hands it to every listener in registration order.
// It never fails: a panicking listener is logged and skipped, and with no
// listeners the event is dropped.
func (b *Bus) Publish(ev domain.DomainEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = nextTimestamp()
	}
	ev.Sequence = b.seq.Add(1)

	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	if len(listeners) == 0 {
		b.logger.WithFields(log.Fields{
			"event":    ev.Name(),
			"entityId": ev.EntityID,
		}).Debug("no listeners, event dropped")
		return
	}
	for _, r := range listeners {
		b.deliver(r, ev)
	}
}

func (b *Bus) deliver(r registration, ev domain.DomainEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.WithFields(log.Fields{
				"listener": r.id,
				"event":    ev.Name(),
				"panic":    rec,
			}).Error("event listener failed")
		}
	}()
	r.listener.HandleEvent(ev)
}
