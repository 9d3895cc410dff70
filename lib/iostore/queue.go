// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"sync"

	"github.com/iostore-dev/iostore/lib/iocrypto"
)

// writeQueueEntry is one pending chunk between Append and the writer
// goroutine. The payload is owned by the entry from admission until
// the writer frees it back to the memory budget.
type writeQueueEntry struct {
	id      ChunkID
	hash    iocrypto.Hash
	data    []byte
	options WriteOptions

	// buffer and blocks are the output of the block-creation
	// goroutine; err is its failure. All three are valid only after
	// ready is closed.
	buffer []byte
	blocks []chunkBlock
	err    error
	ready  chan struct{}
}

// writeQueue is the bounded, memory-budgeted FIFO between chunk
// producers and the single writer goroutine. Admission control
// happens at alloc: a producer blocks until the budget has room for
// its payload. The FIFO order of enqueue is the order the writer
// drains in, which makes body-file layout deterministic for a
// deterministic Append order.
type writeQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	entries    []*writeQueueEntry
	doneAdding bool

	memoryLimit int64
	memoryUsed  int64
}

func newWriteQueue(memoryLimit int64) *writeQueue {
	q := &writeQueue{memoryLimit: memoryLimit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// alloc blocks the caller until the budget can admit size more
// bytes, then debits them. A payload larger than the whole budget is
// admitted when nothing else is pending, rather than deadlocking.
func (q *writeQueue) alloc(size int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.memoryUsed+size > q.memoryLimit && q.memoryUsed > 0 {
		q.cond.Wait()
	}
	q.memoryUsed += size
}

// free credits size bytes back to the budget and wakes blocked
// producers.
func (q *writeQueue) free(size int64) {
	q.mu.Lock()
	q.memoryUsed -= size
	q.mu.Unlock()
	q.cond.Broadcast()
}

// enqueue appends an entry to the FIFO and wakes the consumer.
func (q *writeQueue) enqueue(entry *writeQueueEntry) {
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// dequeueOrWait removes the oldest entry, blocking while the queue
// is empty and still open. Returns ok == false once the queue is
// both marked done and drained; that is the consumer's exit signal.
func (q *writeQueue) dequeueOrWait() (*writeQueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) == 0 && !q.doneAdding {
		q.cond.Wait()
	}
	if len(q.entries) == 0 {
		return nil, false
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true
}

// completeAdding marks the end of the stream. The consumer drains
// whatever is queued and then exits.
func (q *writeQueue) completeAdding() {
	q.mu.Lock()
	q.doneAdding = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// reopen re-arms the queue after a flush so a writer can accept
// further appends.
func (q *writeQueue) reopen() {
	q.mu.Lock()
	q.doneAdding = false
	q.mu.Unlock()
}
