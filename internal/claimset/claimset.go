// Package claimset implements the claim-in-progress set: a transient,
// in-memory set of provider service ids currently being mutated by a
// claim operation. It is deliberately not a lock — holding a lock across
// remote I/O is prohibited (§9) — just a synchronous membership guard
// that callers insert into before any awaiting I/O and remove from on
// every exit path.
package claimset

import "sync"

// Set is a concurrency-safe set of service ids.
type Set struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// New creates an empty Set.
func New() *Set {
	return &Set{ids: make(map[string]struct{})}
}

// TryInsert inserts id if and only if it is not already present,
// returning true on success. This is the only safe way to claim an id:
// a caller that gets false must not proceed as if it owned the id.
func (s *Set) TryInsert(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[id]; exists {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Remove removes id unconditionally. Callers must call this on every
// exit path (success or failure) of the operation that inserted id.
func (s *Set) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Contains reports whether id is currently claimed. The reconciler uses
// this to skip ids whose state it must not re-derive.
func (s *Set) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.ids[id]
	return exists
}

// Len returns the number of ids currently in the set. Used by tests to
// assert the set is empty once the process is quiescent (§8).
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
