package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store maps client ids to their current entry.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Add registers a new entry for id. When id is already present and replace is
// true the previous entry is released and returned so the caller can close
// its transport; otherwise ErrDuplicateClient is returned.
func (s *Store) Add(id string, t Transport, now time.Time, replace bool) (*Entry, *Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.entries[id]
	if exists && !replace {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateClient, id)
	}
	if exists {
		old.release()
	}

	entry := newEntry(id, t, now)
	s.entries[id] = entry
	return entry, old, nil
}

// Remove deletes id only while it still maps to entry, so the teardown of a
// replaced connection never removes its successor.
func (s *Store) Remove(id string, entry *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[id]
	if !ok || current != entry {
		return false
	}
	delete(s.entries, id)
	current.release()
	return true
}

// RemoveID deletes whatever entry id maps to and returns it.
func (s *Store) RemoveID(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	delete(s.entries, id)
	current.release()
	return current, true
}

func (s *Store) Get(id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return entry, nil
}

// Entries returns the current entries ordered by id.
func (s *Store) Entries() []*Entry {
	s.mu.RLock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	return entries
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
