// Package memory is an in-process implementation of store.Store.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentcore/internal/store"
)

const subscriberBuffer = 256

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type Store struct {
	mu     sync.Mutex
	kv     map[string]entry
	sets   map[string]map[string]struct{}
	lists  map[string][][]byte
	// expiry holds deadlines of set and list keys.
	expiry map[string]time.Time
	subs   map[string]map[chan []byte]struct{}
	closed bool
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		kv:     make(map[string]entry),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][][]byte),
		expiry: make(map[string]time.Time),
		subs:   make(map[string]map[chan []byte]struct{}),
		now:    time.Now,
	}
}

// SetClock replaces the time source, for expiry tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if e.expired(s.now()) {
		delete(s.kv, key)
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.kv[key] = e
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	delete(s.sets, key)
	delete(s.lists, key)
	delete(s.expiry, key)
	return nil
}

// dropIfExpired removes an expired set or list key. Callers hold s.mu.
func (s *Store) dropIfExpired(key string, now time.Time) {
	at, ok := s.expiry[key]
	if !ok || now.Before(at) {
		return
	}
	delete(s.sets, key)
	delete(s.lists, key)
	delete(s.expiry, key)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.Get(ctx, key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.dropIfExpired(key, s.now())
			_, isSet := s.sets[key]
			_, isList := s.lists[key]
			return isSet || isList, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.kv[key]
	if !ok || e.expired(now) {
		s.dropIfExpired(key, now)
		_, isSet := s.sets[key]
		_, isList := s.lists[key]
		if !isSet && !isList {
			return store.ErrNotFound
		}
		if ttl > 0 {
			s.expiry[key] = now.Add(ttl)
		} else {
			delete(s.expiry, key)
		}
		return nil
	}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	s.kv[key] = e
	return nil
}

func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key, s.now())
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key, s.now())
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
		delete(s.expiry, key)
	}
	return nil
}

func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key, s.now())
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) RPush(_ context.Context, key string, values ...[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key, s.now())
	for _, v := range values {
		s.lists[key] = append(s.lists[key], append([]byte(nil), v...))
	}
	return nil
}

func (s *Store) LPop(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key, s.now())
	list := s.lists[key]
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	head := list[0]
	if len(list) == 1 {
		delete(s.lists, key)
		delete(s.expiry, key)
	} else {
		s.lists[key] = list[1:]
	}
	return head, nil
}

func (s *Store) LRange(_ context.Context, key string, start, stop int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key, s.now())
	list := s.lists[key]
	from, to, ok := store.NormalizeRange(start, stop, len(list))
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, to-from)
	for _, v := range list[from:to] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (s *Store) LLen(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpired(key, s.now())
	return len(s.lists[key]), nil
}

// Publish fans payload out to current subscribers. A subscriber whose buffer
// is full misses the message.
func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, subscriberBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, nil
	}
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[chan []byte]struct{})
	}
	s.subs[channel][ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[channel][ch]; ok {
			delete(s.subs[channel], ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Purge drops expired keys, sets and lists.
func (s *Store) Purge(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.kv {
		if e.expired(now) {
			delete(s.kv, k)
			removed++
		}
	}
	for k, at := range s.expiry {
		if !now.Before(at) {
			s.dropIfExpired(k, now)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for channel, subs := range s.subs {
		for ch := range subs {
			close(ch)
		}
		delete(s.subs, channel)
	}
	return nil
}
