package observe

import "sync"

// mailbox is a bounded queue that discards its oldest entry when full.
type mailbox[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func newMailbox[T any](size int) *mailbox[T] {
	if size < 1 {
		size = 1
	}
	return &mailbox[T]{ch: make(chan T, size)}
}

// offer enqueues v and reports whether an older value was discarded.
func (m *mailbox[T]) offer(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.ch <- v:
		return false
	default:
	}
	dropped := false
	select {
	case <-m.ch:
		dropped = true
	default:
	}
	m.ch <- v
	return dropped
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}
