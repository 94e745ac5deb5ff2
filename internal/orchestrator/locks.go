// Package orchestrator implements the Domain Orchestrator's local-infra
// operations: docker container lifecycle, VXLAN overlay wiring, and
// container resource monitoring.
package orchestrator

import "sync"

// keyedLocks serializes operations on a named resource (a container name,
// a network name) without blocking operations on unrelated resources.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the lock for key, creating it on first use. The returned
// function releases the lock and drops the entry once no goroutine holds
// or waits on it, so the map does not grow with resource churn.
func (k *keyedLocks) Lock(key string) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
