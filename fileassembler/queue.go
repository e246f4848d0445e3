package fileassembler

import (
	"sync"

	"github.com/librevault/synccore/crypto"
)

// queueCapacity bounds how many distinct PathIDs can be pending
// assembly at once, the "bounded work queue" spec.md §5 calls for.
const queueCapacity = 4096

// assembleQueue is the single lock-guarded FIFO spec.md §4.7 describes:
// "Enqueue (Meta.PathID) into the assemble queue under a lock; if
// already present, return." A periodic worker drains it with pop.
type assembleQueue struct {
	mu      sync.Mutex
	present map[crypto.PathID]bool
	ch      chan crypto.PathID
}

func newAssembleQueue() *assembleQueue {
	return &assembleQueue{
		present: make(map[crypto.PathID]bool),
		ch:      make(chan crypto.PathID, queueCapacity),
	}
}

// push enqueues pathID if it is not already pending.
func (q *assembleQueue) push(pathID crypto.PathID) {
	q.mu.Lock()
	if q.present[pathID] {
		q.mu.Unlock()
		return
	}
	q.present[pathID] = true
	q.mu.Unlock()
	q.ch <- pathID
}

// pop blocks until an item is available or stop is closed, returning
// ok=false in the latter case.
func (q *assembleQueue) pop(stop <-chan struct{}) (crypto.PathID, bool) {
	select {
	case pathID := <-q.ch:
		q.mu.Lock()
		delete(q.present, pathID)
		q.mu.Unlock()
		return pathID, true
	case <-stop:
		return crypto.PathID{}, false
	}
}
