package hub

import "sync"

// mailboxLimit caps the frames waiting for one session. The transport keeps
// its own bounded queue, so a mailbox only grows while a write is stuck.
const mailboxLimit = 1024

// mailbox queues frames for one session. Whichever goroutine finds the
// mailbox idle drains it; others append and move on, so frames leave in the
// order they were posted and nobody waits on another session's write.
type mailbox struct {
	sessionID string

	mu       sync.Mutex
	pending  [][]byte
	draining bool

	marked bool // set by post while collecting touched mailboxes; guarded by Coordinator.mu
}

func newMailbox(sessionID string) *mailbox {
	return &mailbox{sessionID: sessionID}
}

// push appends data. It reports false when the mailbox is full.
func (m *mailbox) push(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) >= mailboxLimit {
		return false
	}
	m.pending = append(m.pending, data)
	return true
}

// drain writes pending frames with write until the mailbox is empty. It
// returns at once if another goroutine is draining.
func (m *mailbox) drain(write func(data []byte)) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		data := m.pending[0]
		m.pending[0] = nil
		m.pending = m.pending[1:]
		m.mu.Unlock()

		write(data)

		m.mu.Lock()
	}
	m.pending = nil
	m.draining = false
	m.mu.Unlock()
}
