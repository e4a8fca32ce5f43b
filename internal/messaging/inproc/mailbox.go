// Package inproc holds one buffered mailbox channel per hosted agent. The
// orchestrator keeps the durable outbox; a mailbox only carries what the
// agent runtime is about to read.
package inproc

import (
	"errors"
	"sync"
	"sync/atomic"

	"agentcore/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent mailbox is not registered")
	ErrAgentQueueFull     = errors.New("agent mailbox is full")
)

// MailboxStats describes one mailbox at the time of the call.
type MailboxStats struct {
	Depth    int   `json:"depth"`
	Capacity int   `json:"capacity"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

type mailbox struct {
	ch       chan domain.Message
	accepted atomic.Int64
	rejected atomic.Int64
}

// Mailboxes maps agent ids to their mailbox. Deliver sends under the read
// lock and Unregister unlinks a box under the write lock before closing it,
// so a send never meets a closed channel.
type Mailboxes struct {
	capacity int

	mu    sync.RWMutex
	boxes map[string]*mailbox
}

func New(capacity int) *Mailboxes {
	if capacity <= 0 {
		capacity = 64
	}
	return &Mailboxes{capacity: capacity, boxes: make(map[string]*mailbox)}
}

// Register opens the agent's mailbox and returns its receive side. A second
// call for the same id returns the open mailbox unchanged.
func (m *Mailboxes) Register(agentID string) <-chan domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	box, ok := m.boxes[agentID]
	if !ok {
		box = &mailbox{ch: make(chan domain.Message, m.capacity)}
		m.boxes[agentID] = box
	}
	return box.ch
}

// Unregister closes the mailbox. Messages still buffered are drained by the
// reader before it sees the close.
func (m *Mailboxes) Unregister(agentID string) {
	m.mu.Lock()
	box, ok := m.boxes[agentID]
	delete(m.boxes, agentID)
	m.mu.Unlock()
	if ok {
		close(box.ch)
	}
}

// Deliver hands msg to the mailbox of msg.ToAgent without blocking.
func (m *Mailboxes) Deliver(msg domain.Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	box, ok := m.boxes[msg.ToAgent]
	if !ok {
		return ErrAgentNotRegistered
	}
	select {
	case box.ch <- msg:
		box.accepted.Add(1)
		return nil
	default:
		box.rejected.Add(1)
		return ErrAgentQueueFull
	}
}

// Stats reports every open mailbox keyed by agent id.
func (m *Mailboxes) Stats() map[string]MailboxStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]MailboxStats, len(m.boxes))
	for id, box := range m.boxes {
		out[id] = MailboxStats{
			Depth:    len(box.ch),
			Capacity: cap(box.ch),
			Accepted: box.accepted.Load(),
			Rejected: box.rejected.Load(),
		}
	}
	return out
}
