package eventbus

import (
	"sync"
	"time"

	"agentcore/internal/domain"
)

// stream is a bounded pull buffer; when full the oldest event is dropped.
type stream struct {
	id     string
	filter domain.EventFilter

	mu       sync.Mutex
	buf      []domain.Event
	head     int
	size     int
	dropped  int
	lastRead time.Time
}

func newStream(id string, filter domain.EventFilter, capacity int, now time.Time) *stream {
	return &stream{id: id, filter: filter, buf: make([]domain.Event, capacity), lastRead: now}
}

func (s *stream) push(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return
	}
	tail := (s.head + s.size) % len(s.buf)
	s.buf[tail] = ev
	if s.size == len(s.buf) {
		s.head = (s.head + 1) % len(s.buf)
		s.dropped++
		return
	}
	s.size++
}

// read pops up to max events, oldest first. max <= 0 drains everything.
func (s *stream) read(max int, now time.Time) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRead = now
	n := s.size
	if max > 0 && max < n {
		n = max
	}
	out := make([]domain.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.buf[s.head])
		s.buf[s.head] = domain.Event{}
		s.head = (s.head + 1) % len(s.buf)
	}
	s.size -= n
	return out
}

func (s *stream) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRead
}

func (s *stream) stats() (pending, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, s.dropped
}
