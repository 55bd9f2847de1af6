package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus fans events out to subscribers by kind prefix. A slow subscriber
// never blocks Publish: when its buffer is full the oldest queued event is
// discarded to make room.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
	onDrop  func(kind string)
}

type subscription struct {
	namespace string
	mu        sync.Mutex
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// OnDrop registers a callback invoked with the kind of every discarded event.
func (b *Bus) OnDrop(fn func(kind string)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Dropped returns how many events were discarded since creation.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Publish delivers evt to every subscriber whose namespace prefixes evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if dropped, ok := sub.offer(evt); ok {
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(dropped.Kind)
			}
		}
	}
}

// offer enqueues evt, evicting the oldest buffered event if needed.
// It returns the evicted event, if any.
func (s *subscription) offer(evt Event) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- evt:
		return Event{}, false
	default:
	}
	var old Event
	evicted := false
	select {
	case old = <-s.ch:
		evicted = true
	default:
	}
	select {
	case s.ch <- evt:
	default:
		// Zero-capacity subscriber with no reader.
		return evt, true
	}
	return old, evicted
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
