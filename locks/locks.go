// Package locks provides a keyed mutex map used to serialize encrypt and
// decrypt access to the pairwise sessions of a single sender key.
//
// Entries are created on first acquisition and removed again as soon as a
// release finds no waiter, so the map does not grow with every sender key
// ever seen over a long session lifetime.
package locks

import (
	"cmp"
	"slices"
	"sync"
)

type entry struct {
	held bool
	// FIFO queue: release hands the lock directly to the oldest waiter
	// instead of letting waiters re-race.
	waiters []chan struct{}
}

// Map is a lazily populated set of binary locks, one per key.
type Map[K cmp.Ordered] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

func NewMap[K cmp.Ordered]() *Map[K] {
	return &Map[K]{entries: make(map[K]*entry)}
}

// Lock blocks until the lock for key is held by the caller.
func (m *Map[K]) Lock(key K) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.entries[key] = &entry{held: true}
		m.mu.Unlock()
		return
	}
	if !e.held {
		e.held = true
		m.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	m.mu.Unlock()
	<-ch
}

// Unlock releases the lock for key. If a waiter is queued the lock is handed
// to it without ever becoming free; otherwise the entry is removed from the
// map. Unlocking a key that is not held panics, same as sync.Mutex.
func (m *Map[K]) Unlock(key K) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok || !e.held {
		m.mu.Unlock()
		panic("locks: unlock of unheld lock")
	}
	if len(e.waiters) == 0 {
		delete(m.entries, key)
		m.mu.Unlock()
		return
	}
	ch := e.waiters[0]
	e.waiters = e.waiters[1:]
	m.mu.Unlock()
	close(ch)
}

// LockAll acquires the locks for every distinct key in keys, in sorted order
// so that two batches with overlapping key sets cannot deadlock against each
// other. The returned func releases all of them.
func (m *Map[K]) LockAll(keys []K) (release func()) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	for _, k := range sorted {
		m.Lock(k)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			m.Unlock(sorted[i])
		}
	}
}

// Len reports the number of live lock entries. Held and contended locks
// count; fully released ones do not.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
