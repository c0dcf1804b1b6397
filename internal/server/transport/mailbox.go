package transport

import "sync"

// mailbox hands values to a consumer goroutine in order. Producers never block; values still queued when the mailbox
// is closed are dropped.
type mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newMailbox[T any](consume func(T)) *mailbox[T] {
	m := &mailbox[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.run(consume)
	return m
}

// put queues v and reports whether the mailbox was still open.
func (m *mailbox[T]) put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.queue = nil
		close(m.done)
	}
}

func (m *mailbox[T]) run(consume func(T)) {
	for {
		select {
		case <-m.signal:
		case <-m.done:
			return
		}
		for {
			v, ok := m.next()
			if !ok {
				break
			}
			consume(v)
		}
	}
}

func (m *mailbox[T]) next() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if m.closed || len(m.queue) == 0 {
		return zero, false
	}
	v := m.queue[0]
	m.queue[0] = zero
	m.queue = m.queue[1:]
	return v, true
}
