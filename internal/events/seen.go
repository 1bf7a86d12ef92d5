package events

import "sync"

// DefaultSeenCapacity is the default dedup window.
// TECHNICAL DISCOVERY: The window is a count, not a time horizon. A duplicate
// that arrives after more than capacity newer tokens is delivered again, so
// consumers must stay idempotent (version checks in the reconciliation store).
const DefaultSeenCapacity = 100

// SeenSet is a bounded set of identity tokens with FIFO eviction.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	ring     []string
	next     int
	members  map[string]struct{}
}

// NewSeenSet creates a set holding at most capacity tokens.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &SeenSet{
		capacity: capacity,
		ring:     make([]string, 0, capacity),
		members:  make(map[string]struct{}, capacity),
	}
}

// Add records token and reports whether it was new.
func (s *SeenSet) Add(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[token]; ok {
		return false
	}
	if len(s.ring) < s.capacity {
		s.ring = append(s.ring, token)
	} else {
		delete(s.members, s.ring[s.next])
		s.ring[s.next] = token
		s.next = (s.next + 1) % s.capacity
	}
	s.members[token] = struct{}{}
	return true
}

// Contains reports whether token is inside the window.
func (s *SeenSet) Contains(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[token]
	return ok
}

// Len returns the number of tokens held.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Capacity returns the window size.
func (s *SeenSet) Capacity() int {
	return s.capacity
}
