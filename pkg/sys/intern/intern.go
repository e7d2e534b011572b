// Package intern canonicalizes strings. Vertex ids repeat across every
// edge record that references them; sharing one instance keeps large
// graph loads from holding millions of equal copies.
package intern

import "sync"

type pool struct {
	mu    sync.RWMutex
	store map[string]string
}

var globalPool = &pool{store: make(map[string]string)}

// Canonical returns the shared instance for s, registering it on first
// sight.
func Canonical(s string) string {
	if s == "" {
		return ""
	}

	globalPool.mu.RLock()
	c, ok := globalPool.store[s]
	globalPool.mu.RUnlock()
	if ok {
		return c
	}

	globalPool.mu.Lock()
	defer globalPool.mu.Unlock()
	// Double-check
	if c, ok := globalPool.store[s]; ok {
		return c
	}
	globalPool.store[s] = s
	return s
}

// Len reports how many distinct strings are held.
func Len() int {
	globalPool.mu.RLock()
	defer globalPool.mu.RUnlock()
	return len(globalPool.store)
}

// Reset clears the pool.
func Reset() {
	globalPool.mu.Lock()
	defer globalPool.mu.Unlock()
	globalPool.store = make(map[string]string)
}
