package orchestrator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLocks_SerializesSameKey(t *testing.T) {
	locks := newKeyedLocks()

	var mu sync.Mutex
	order := []int{}

	unlock := locks.Lock("svc")
	done := make(chan struct{})
	go func() {
		inner := locks.Lock("svc")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		inner()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()

	<-done
	assert.Equal(t, []int{1, 2}, order)
}

func TestKeyedLocks_DistinctKeysDoNotBlock(t *testing.T) {
	locks := newKeyedLocks()

	unlock := locks.Lock("a")
	defer unlock()

	acquired := make(chan struct{})
	go func() {
		inner := locks.Lock("b")
		inner()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on a distinct key blocked")
	}
}

func TestKeyedLocks_EntriesAreReclaimed(t *testing.T) {
	locks := newKeyedLocks()

	unlock := locks.Lock("ephemeral")
	unlock()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks)
}
