package session

import "sync"

// mailbox is an unbounded FIFO of funcs run by a single goroutine. Posting
// never blocks, so transport read loops and timers can hand work over
// without waiting for the loop.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// post enqueues fn. It reports false once the mailbox is closed.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// dispatch adapts post to the func(func()) dispatchers take
func (m *mailbox) dispatch(fn func()) {
	m.post(fn)
}

// run processes funcs until the mailbox is closed and drained
func (m *mailbox) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			<-m.wake
			continue
		}
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// close stops accepting funcs; run returns after draining what was queued
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}
