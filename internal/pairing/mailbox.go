package pairing

import "sync"

// mailbox is an unbounded FIFO of events for one session, drained by a
// single goroutine. post never blocks, so transport callbacks and timers
// can deliver from any goroutine without stalling.
type mailbox struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// post enqueues ev. It reports false once the mailbox is closed.
func (m *mailbox) post(ev Event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	m.wake()
	return true
}

// close drops queued events and stops run after the current event.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// run delivers events to handle in arrival order until close.
func (m *mailbox) run(handle func(Event)) {
	for range m.signal {
		for {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			ev := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()
			handle(ev)
		}
	}
}
