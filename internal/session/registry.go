package session

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrCapacityExceeded is returned when the registry is full
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrSessionExists is returned when a peer ID is already registered
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned when a peer ID is not registered
	ErrSessionNotFound = errors.New("session not found")
)

// Registry is the set of live sessions.
//
// Readers traverse an immutable snapshot loaded from an atomic pointer and
// never wait for writers. Writers serialize on a mutex, build a new slice
// and publish it, so a reader sees a session entirely or not at all.
type Registry struct {
	mu       sync.Mutex
	sessions atomic.Pointer[[]*Session]
	max      int
}

// NewRegistry creates a registry holding at most max sessions.
// A max of zero or less means no limit.
func NewRegistry(max int) *Registry {
	r := &Registry{max: max}
	empty := make([]*Session, 0)
	r.sessions.Store(&empty)
	return r
}

// Add registers a session
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.sessions.Load()
	for _, existing := range cur {
		if existing.PeerID == s.PeerID {
			return ErrSessionExists
		}
	}

	if r.max > 0 && len(cur) >= r.max {
		return ErrCapacityExceeded
	}

	next := make([]*Session, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	r.sessions.Store(&next)

	return nil
}

// Remove unregisters a session by peer ID and returns it
func (r *Registry) Remove(peerID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.sessions.Load()
	idx := -1
	for i, s := range cur {
		if s.PeerID == peerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}

	removed := cur[idx]

	// Swap-remove on a private copy
	next := make([]*Session, len(cur))
	copy(next, cur)
	last := len(next) - 1
	next[idx] = next[last]
	next[last] = nil
	next = next[:last]
	r.sessions.Store(&next)

	return removed, true
}

// ForEach calls fn for every session in the current snapshot
func (r *Registry) ForEach(fn func(*Session)) {
	for _, s := range *r.sessions.Load() {
		fn(s)
	}
}

// Snapshot returns the current session list. The slice must not be modified.
func (r *Registry) Snapshot() []*Session {
	return *r.sessions.Load()
}

// Get looks up a session by peer ID
func (r *Registry) Get(peerID string) (*Session, bool) {
	for _, s := range *r.sessions.Load() {
		if s.PeerID == peerID {
			return s, true
		}
	}
	return nil, false
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	return len(*r.sessions.Load())
}

// Cap returns the configured maximum, zero when unlimited
func (r *Registry) Cap() int {
	return r.max
}
